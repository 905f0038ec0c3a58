package migrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dmreyes/agentfund/internal/staking"
)

var now = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func baseInput() Input {
	return Input{
		CurrentProgram:     "pearl_alpha",
		TargetProgram:      "pearl_beta",
		StakingState:       staking.StakingStateStaked,
		StakingStart:       now.Add(-100 * time.Hour),
		MinStakingDuration: 72 * time.Hour,
		TargetSlotsUsed:    10,
		TargetMaxSlots:     100,
		Now:                now,
	}
}

func TestDecideGatingTable(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Input)
		want   Decision
	}{
		{"allowed", func(*Input) {}, AllowedToSwitch},
		{"already current", func(in *Input) { in.TargetProgram = in.CurrentProgram }, NoOpAlreadyCurrent},
		{"cooldown", func(in *Input) { in.StakingStart = now.Add(-time.Hour) }, BlockedCooldown},
		{"agent running", func(in *Input) { in.ServiceRunning = true }, BlockedAgentRunning},
		{"no slots", func(in *Input) { in.TargetSlotsUsed = 100 }, BlockedNoSlots},
		{"slots exactly full", func(in *Input) { in.TargetSlotsUsed = 101 }, BlockedNoSlots},
		{"zero capacity", func(in *Input) { in.TargetSlotsUsed = 0; in.TargetMaxSlots = 0 }, BlockedNoSlots},
		{"negative capacity", func(in *Input) { in.TargetSlotsUsed = 0; in.TargetMaxSlots = -1 }, BlockedNoSlots},
	}
	for _, tc := range cases {
		in := baseInput()
		tc.mutate(&in)
		if got := Decide(in).Decision; got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestDecideOrderCooldownBeforeRunning(t *testing.T) {
	in := baseInput()
	in.StakingStart = now.Add(-time.Hour)
	in.ServiceRunning = true
	if got := Decide(in).Decision; got != BlockedCooldown {
		t.Fatalf("cooldown gate must fire before the running gate, got %s", got)
	}
}

func TestDecideNeverStakedHasNoCooldown(t *testing.T) {
	in := baseInput()
	in.StakingState = staking.StakingStateUnstaked
	in.StakingStart = time.Time{}
	in.CurrentProgram = ""
	if got := Decide(in).Decision; got != AllowedToSwitch {
		t.Fatalf("never-staked service must not be cooldown blocked, got %s", got)
	}
}

func TestDecideEvictedMigratableAfterCooldown(t *testing.T) {
	in := baseInput()
	in.StakingState = staking.StakingStateEvicted

	outcome := Decide(in)
	if outcome.Decision != AllowedToSwitch {
		t.Fatalf("evicted past cooldown should be allowed, got %s", outcome.Decision)
	}
	wantExpiry := in.StakingStart.Add(in.MinStakingDuration)
	if !outcome.EvictionExpiresAt.Equal(wantExpiry) {
		t.Fatalf("eviction expiry = %v, want %v", outcome.EvictionExpiresAt, wantExpiry)
	}

	in.StakingStart = now.Add(-time.Hour)
	if got := Decide(in).Decision; got != BlockedCooldown {
		t.Fatalf("evicted within cooldown should be blocked, got %s", got)
	}
}

func TestDecideCooldownRemaining(t *testing.T) {
	in := baseInput()
	in.StakingStart = now.Add(-70 * time.Hour)
	outcome := Decide(in)
	if outcome.CooldownRemaining != 2*time.Hour {
		t.Fatalf("unexpected cooldown remaining: %v", outcome.CooldownRemaining)
	}
}

type recordingController struct {
	calls []string
	fail  string
}

func (r *recordingController) StopService(_ context.Context, _ string) error {
	r.calls = append(r.calls, "stop")
	if r.fail == "stop" {
		return errors.New("stop failed")
	}
	return nil
}

func (r *recordingController) UpdateService(_ context.Context, _, program string) error {
	r.calls = append(r.calls, "update:"+program)
	if r.fail == "update" {
		return errors.New("update failed")
	}
	return nil
}

func (r *recordingController) StartService(_ context.Context, _ string) error {
	r.calls = append(r.calls, "start")
	if r.fail == "start" {
		return errors.New("start failed")
	}
	return nil
}

type recordingPauser struct {
	paused  int
	resumed int
}

func (r *recordingPauser) Pause()  { r.paused++ }
func (r *recordingPauser) Resume() { r.resumed++ }

func TestExecuteSequence(t *testing.T) {
	controller := &recordingController{}
	poller := &recordingPauser{}
	c := NewCoordinator(controller, zap.NewNop(), poller)

	outcome := Decide(baseInput())
	if err := c.Execute(context.Background(), "svc-1", "pearl_beta", outcome); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{"stop", "update:pearl_beta", "start"}
	if len(controller.calls) != len(want) {
		t.Fatalf("unexpected calls: %v", controller.calls)
	}
	for i := range want {
		if controller.calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s", i, controller.calls[i], want[i])
		}
	}
	if poller.paused != 1 || poller.resumed != 1 {
		t.Fatalf("polling not paused/resumed: %+v", poller)
	}
}

func TestExecuteResumesPollingOnFailure(t *testing.T) {
	controller := &recordingController{fail: "update"}
	poller := &recordingPauser{}
	c := NewCoordinator(controller, zap.NewNop(), poller)

	outcome := Decide(baseInput())
	if err := c.Execute(context.Background(), "svc-1", "pearl_beta", outcome); err == nil {
		t.Fatalf("expected update failure")
	}
	if poller.resumed != 1 {
		t.Fatalf("polling must resume even on failure: %+v", poller)
	}
	for _, call := range controller.calls {
		if call == "start" {
			t.Fatalf("service must not restart after a failed update")
		}
	}
}

func TestExecuteRefusesBlockedOutcome(t *testing.T) {
	controller := &recordingController{}
	c := NewCoordinator(controller, zap.NewNop())

	in := baseInput()
	in.ServiceRunning = true
	if err := c.Execute(context.Background(), "svc-1", "pearl_beta", Decide(in)); err == nil {
		t.Fatalf("blocked decision must not execute")
	}
	if len(controller.calls) != 0 {
		t.Fatalf("no middleware calls expected: %v", controller.calls)
	}
}
