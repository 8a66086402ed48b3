package dispatcher

import "testing"

func TestSelectRegionsRoundRobinRotates(t *testing.T) {
	configured := []string{"eu-central-1", "us-east-1", "ap-southeast-1"}

	first := selectRegions("round_robin", configured, 0)
	if first[0] != "eu-central-1" {
		t.Fatalf("tick 0 should start at eu-central-1, got %v", first)
	}

	second := selectRegions("round_robin", configured, 1)
	if second[0] != "us-east-1" {
		t.Fatalf("tick 1 should start at us-east-1, got %v", second)
	}

	fourth := selectRegions("round_robin", configured, 3)
	if fourth[0] != "eu-central-1" {
		t.Fatalf("tick 3 should wrap back to eu-central-1, got %v", fourth)
	}
}

func TestSelectRegionsFailoverKeepsOrder(t *testing.T) {
	configured := []string{"us-east-1", "eu-central-1"}
	out := selectRegions("failover", configured, 5)
	if out[0] != "us-east-1" || out[1] != "eu-central-1" {
		t.Fatalf("failover should preserve configured order, got %v", out)
	}
}

func TestTagMatches(t *testing.T) {
	cases := []struct {
		required, have []string
		want           int
	}{
		{nil, []string{"icmp"}, 0},
		{[]string{"icmp"}, []string{"icmp", "ipv6"}, 1},
		{[]string{"icmp", "ipv6"}, []string{"icmp"}, 1},
		{[]string{"icmp", "ipv6"}, []string{"icmp", "ipv6"}, 2},
	}
	for _, c := range cases {
		if got := tagMatches(c.required, c.have); got != c.want {
			t.Errorf("tagMatches(%v, %v) = %d, want %d", c.required, c.have, got, c.want)
		}
	}
}
