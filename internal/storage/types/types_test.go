package types

import "testing"

func TestLabelsString(t *testing.T) {
	tests := []struct {
		name   string
		labels Labels
		want   string
	}{
		{"empty", Labels{}, "{}"},
		{"nil", nil, "{}"},
		{"single", Labels{"job": "node"}, `{job="node"}`},
		{
			"sorted",
			Labels{"zone": "eu", "instance": "a:9100", "job": "node"},
			`{instance="a:9100",job="node",zone="eu"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.labels.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLabelsRoundTrip(t *testing.T) {
	in := Labels{"job": "blackbox", "instance": "10.0.0.1:80", "env": "prod"}

	parsed, err := ParseLabels(in.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(in) {
		t.Errorf("round trip mismatch: got %v, want %v", parsed, in)
	}
}

func TestParseLabelsMalformed(t *testing.T) {
	for _, s := range []string{"job=node", `{job=node}`, `{job="node`, `job="node"}`} {
		if _, err := ParseLabels(s); err == nil {
			t.Errorf("ParseLabels(%q): expected error", s)
		}
	}
}

func TestMergePrecedence(t *testing.T) {
	static := Labels{"env": "prod", "job": "node"}
	scraped := Labels{"job": "ignored", "cpu": "0"}

	merged := static.Merge(scraped)

	if merged["job"] != "node" {
		t.Errorf("static label must win, got job=%q", merged["job"])
	}
	if merged["cpu"] != "0" {
		t.Errorf("scraped label lost: %v", merged)
	}
	if merged["env"] != "prod" {
		t.Errorf("static label lost: %v", merged)
	}
}

func TestSeriesKey(t *testing.T) {
	a := Sample{Metric: "up", Labels: Labels{"instance": "x", "job": "node"}}
	b := Sample{Metric: "up", Labels: Labels{"job": "node", "instance": "x"}}
	c := Sample{Metric: "up", Labels: Labels{"instance": "y", "job": "node"}}

	if a.SeriesKey() != b.SeriesKey() {
		t.Errorf("key must be order-independent: %q vs %q", a.SeriesKey(), b.SeriesKey())
	}
	if a.SeriesKey() == c.SeriesKey() {
		t.Errorf("different label values must differ: %q", a.SeriesKey())
	}
}
