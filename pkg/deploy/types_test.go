package deploy

import (
	"fmt"
	"testing"
)

func TestParameters_Steps(t *testing.T) {
	tests := []struct {
		name   string
		params Parameters
		want   string
	}{
		{"defaults", DefaultParameters(), "[10 35 60 85 100]"},
		{"explicit", Parameters{CanarySteps: []int{5, 50}}, "[5 50 100]"},
		{"explicit ending at 100", Parameters{CanarySteps: []int{20, 100}}, "[20 100]"},
		{"single jump", Parameters{InitialTraffic: 100, TrafficIncrement: 10}, "[100]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fmt.Sprint(tt.params.Steps()); got != tt.want {
				t.Errorf("Steps() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPlan_Batches(t *testing.T) {
	p := Plan{Service: "api", Environment: Environment{Replicas: 5}, Parameters: Parameters{BatchSize: 2}}

	got := fmt.Sprint(p.Batches())
	want := "[[api-0 api-1] [api-2 api-3] [api-4]]"
	if got != want {
		t.Errorf("Batches() = %s, want %s", got, want)
	}
}

func TestPlan_Validate(t *testing.T) {
	valid := func() Plan {
		p := testPlan(StrategyCanary)
		p.Parameters = p.Parameters.WithDefaults()
		return p
	}

	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr bool
	}{
		{"valid", func(*Plan) {}, false},
		{"missing service", func(p *Plan) { p.Service = "" }, true},
		{"zero replicas", func(p *Plan) { p.Environment.Replicas = 0 }, true},
		{"threshold above one", func(p *Plan) { p.Parameters.RollbackThreshold = 1.5 }, true},
		{"decreasing steps", func(p *Plan) { p.Parameters.CanarySteps = []int{50, 20} }, true},
		{"step above 100", func(p *Plan) { p.Parameters.CanarySteps = []int{50, 150} }, true},
		{"unknown live colour", func(p *Plan) { p.LiveTarget = "purple" }, true},
		{"green live colour", func(p *Plan) { p.LiveTarget = TargetGreen }, false},
		{"rolling without previous", func(p *Plan) { p.Strategy = StrategyRolling }, true},
		{"rolling with previous", func(p *Plan) {
			p.Strategy = StrategyRolling
			p.PreviousArtifact = "web:v1"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
