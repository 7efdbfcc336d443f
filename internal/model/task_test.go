package model

import "testing"

func TestTask_TransitionForwardOnly(t *testing.T) {
	task := NewTask(ActionImagine, BotMidJourney)

	if task.Status != StatusNotStart {
		t.Fatalf("expected NOT_START, got %s", task.Status)
	}

	if !task.Transition(StatusSubmitted) {
		t.Fatal("NOT_START -> SUBMITTED must be allowed")
	}
	if !task.Transition(StatusInProgress) {
		t.Fatal("SUBMITTED -> IN_PROGRESS must be allowed")
	}

	// duplicate and backward updates are ignored
	if task.Transition(StatusInProgress) {
		t.Error("duplicate IN_PROGRESS must be ignored")
	}
	if task.Transition(StatusSubmitted) {
		t.Error("backward transition must be ignored")
	}
}

func TestTask_ModalPath(t *testing.T) {
	task := NewTask(ActionVariation, BotMidJourney)
	task.Transition(StatusSubmitted)

	if !task.Transition(StatusModal) {
		t.Fatal("SUBMITTED -> MODAL must be allowed")
	}
	if !task.Transition(StatusInProgress) {
		t.Fatal("MODAL -> IN_PROGRESS must be allowed")
	}
}

func TestTask_TerminalIsFinal(t *testing.T) {
	task := NewTask(ActionImagine, BotMidJourney)
	task.Transition(StatusSubmitted)
	task.Transition(StatusInProgress)

	if !task.Succeed() {
		t.Fatal("IN_PROGRESS -> SUCCESS must be allowed")
	}
	if task.Progress != "100%" {
		t.Errorf("expected 100%% progress, got %q", task.Progress)
	}
	if task.FinishTime == 0 {
		t.Error("finish time must be set on terminal transition")
	}

	if task.Fail("late failure") {
		t.Error("terminal task must not transition again")
	}
	if task.Status != StatusSuccess {
		t.Errorf("status changed after terminal: %s", task.Status)
	}
}

func TestTask_FailClearsProgress(t *testing.T) {
	task := NewTask(ActionImagine, BotMidJourney)
	task.Transition(StatusSubmitted)
	task.Progress = "45%"

	if !task.Fail("timeout") {
		t.Fatal("SUBMITTED -> FAILURE must be allowed")
	}
	if task.FailReason != "timeout" {
		t.Errorf("unexpected fail reason: %q", task.FailReason)
	}
	if task.Progress != "" {
		t.Errorf("progress must be cleared on failure, got %q", task.Progress)
	}
}
