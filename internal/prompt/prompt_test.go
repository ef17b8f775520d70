package prompt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/mikrotune/model"
)

func gather(t *testing.T, input string, opts ...Option) (Answers, string, error) {
	t.Helper()
	var out bytes.Buffer
	a, err := NewSession(strings.NewReader(input), &out, opts...).Gather(context.Background())
	return a, out.String(), err
}

func TestGatherDefaults(t *testing.T) {
	input := strings.Join([]string{
		"",             // enter
		"192.168.88.1", // ap
		"admin",
		"secret",
		"", // port
		"", // range
		"192.168.88.2",
		"1", // tcp
		"3", // both
		"",  // no limit
		"10",
	}, "\n") + "\n"

	a, _, err := gather(t, input)
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	want := model.DeviceTarget{Address: "192.168.88.1", Username: "admin", Password: "secret", Port: model.DefaultAPIPort}
	if a.Target != want {
		t.Fatalf("target = %+v, want %+v", a.Target, want)
	}
	if got := a.Plan.Len(); got != 241 {
		t.Fatalf("plan length = %d, want 241", got)
	}
	if a.Params.Protocol != model.ProtocolTCP || a.Params.Direction != model.DirectionBoth {
		t.Fatalf("params = %+v", a.Params)
	}
	if a.Params.LocalTxMbps != 0 || a.Params.RemoteTxMbps != 0 {
		t.Fatalf("limits = %d/%d, want unlimited", a.Params.LocalTxMbps, a.Params.RemoteTxMbps)
	}
	if a.Params.Duration != 10*time.Second {
		t.Fatalf("duration = %s, want 10s", a.Params.Duration)
	}
}

func TestGatherRepromptsInvalidAnswers(t *testing.T) {
	input := strings.Join([]string{
		"",
		"10.0.0.1",
		"admin",
		"",
		"abc", // bad port
		"8729",
		"5180-5200",
		"10.0.0.2",
		"9", // bad protocol
		"2",
		"0", // bad direction
		"1",
		"yes",
		"fast", // bad limit
		"100",
		"",
		"-5", // bad duration
		"30",
	}, "\n") + "\n"

	a, out, err := gather(t, input, WithFrequencyStep(10))
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	if a.Target.Port != 8729 {
		t.Fatalf("port = %d, want 8729", a.Target.Port)
	}
	if got := a.Plan.Frequencies; len(got) != 3 || got[0] != 5180 || got[2] != 5200 {
		t.Fatalf("plan = %v, want 5180..5200 by 10", got)
	}
	if a.Params.Protocol != model.ProtocolUDP || a.Params.Direction != model.DirectionUpload {
		t.Fatalf("params = %+v", a.Params)
	}
	if a.Params.LocalTxMbps != 100 || a.Params.RemoteTxMbps != 0 {
		t.Fatalf("limits = %d/%d, want 100/unlimited", a.Params.LocalTxMbps, a.Params.RemoteTxMbps)
	}
	if a.Params.Duration != 30*time.Second {
		t.Fatalf("duration = %s, want 30s", a.Params.Duration)
	}
	for _, msg := range []string{
		"Please enter a valid port number.",
		"Invalid choice. Please choose 1, 2.",
		"Invalid choice. Please choose 1, 2, 3.",
		"Please enter a valid duration in seconds.",
	} {
		if !strings.Contains(out, msg) {
			t.Fatalf("output missing %q", msg)
		}
	}
}

func TestGatherMalformedRangeFallsBack(t *testing.T) {
	input := "\n10.0.0.1\nadmin\npw\n\n4900-5000-6000\n10.0.0.2\n1\n1\nno\n5"
	a, out, err := gather(t, input)
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	if a.Plan.Len() != model.DefaultPlan(model.DefaultStepMHz).Len() {
		t.Fatalf("plan = %s, want default", a.Plan)
	}
	if !strings.Contains(out, "using 4900-6100") {
		t.Fatalf("output missing fallback notice: %q", out)
	}
	if a.Params.Duration != 5*time.Second {
		t.Fatalf("duration = %s, want 5s from final unterminated line", a.Params.Duration)
	}
}

func TestGatherPasswordReader(t *testing.T) {
	called := false
	input := "\n10.0.0.1\nadmin\n\n\n10.0.0.2\n1\n1\nno\n5\n"
	a, _, err := gather(t, input, WithPasswordReader(func() (string, error) {
		called = true
		return "hidden", nil
	}))
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	if !called || a.Target.Password != "hidden" {
		t.Fatalf("password = %q (reader called %v), want hidden", a.Target.Password, called)
	}
}

func TestGatherEOF(t *testing.T) {
	_, _, err := gather(t, "\n10.0.0.1\nadmin\n")
	if !errors.Is(err, ErrInputClosed) {
		t.Fatalf("Gather error = %v, want ErrInputClosed", err)
	}
}

func TestGatherPrintsBannerFirst(t *testing.T) {
	_, out, err := gather(t, "")
	if !errors.Is(err, ErrInputClosed) {
		t.Fatalf("Gather error = %v, want ErrInputClosed", err)
	}
	if !strings.HasPrefix(out, banner) {
		t.Fatalf("output does not start with the banner: %q", out)
	}
	if !strings.HasSuffix(out, "Press Enter to begin...") {
		t.Fatalf("output = %q, want the start question right after the banner", out)
	}
}

func TestGatherStopsWhenContextCancelled(t *testing.T) {
	// The pipe is never written to, so the first question blocks.
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := NewSession(r, &out).Gather(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Gather error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Gather still blocked after cancel")
	}
}

func TestGatherCancelledDuringPassword(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	input := "\n10.0.0.1\nadmin\n"
	var out bytes.Buffer
	s := NewSession(strings.NewReader(input), &out, WithPasswordReader(func() (string, error) {
		cancel()
		<-release
		return "", nil
	}))
	if _, err := s.Gather(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Gather error = %v, want context.Canceled", err)
	}
}
