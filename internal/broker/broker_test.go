package broker

import "testing"

func TestRoutingKeyFor(t *testing.T) {
	cases := []struct {
		event string
		want  string
	}{
		{"CampaignCreated", RoutingCampaignCreated},
		{"DonationReceived", RoutingDonationReceived},
		{"Withdrawn", RoutingWithdrawn},
		{"Refunded", RoutingRefunded},
		{"SomethingElse", "event.unknown"},
	}
	for _, c := range cases {
		if got := RoutingKeyFor(c.event); got != c.want {
			t.Errorf("RoutingKeyFor(%q) = %q, want %q", c.event, got, c.want)
		}
	}
}
