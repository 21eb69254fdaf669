package server

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gaomanyi/AutoXPlugin/internal/bundle"
	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

// Status summarizes a dispatch.
type Status string

const (
	StatusOK         Status = "ok"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusNotRunning Status = "not_running"
	StatusNoDevices  Status = "no_devices"
)

// Failure is one target the command did not reach.
type Failure struct {
	Target  string `json:"target"`
	Device  string `json:"device,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the best-effort summary of one dispatch.
type Result struct {
	Status    Status               `json:"status"`
	Command   protocol.CommandType `json:"command"`
	MessageID string               `json:"message_id"`
	Attempted int                  `json:"attempted"`
	Delivered int                  `json:"delivered"`
	Failed    []Failure            `json:"failed,omitempty"`
}

// Err reports a dispatch that never reached the per-device stage: the hub
// was stopped or nothing was connected. Other outcomes return nil; their
// failures are listed in Failed.
func (r Result) Err() error {
	switch r.Status {
	case StatusNotRunning:
		return apperrors.NotRunning()
	case StatusNoDevices:
		return apperrors.NoDevices()
	}
	return nil
}

// SendText delivers a text-only command. An empty target list means every
// registered device.
func (s *Server) SendText(ctx context.Context, env protocol.Envelope, targets []string) (Result, error) {
	if env.Binary() {
		return Result{}, apperrors.New(apperrors.CodeDispatchNotBinary,
			"bytes_command needs a binary payload; use SendBinary")
	}
	return s.dispatch(ctx, nil, env, targets)
}

// SendBinary delivers payload followed by its envelope to every target, as
// two frames with nothing in between. A missing checksum is filled from the
// payload; a wrong one is rejected before anything is written.
func (s *Server) SendBinary(ctx context.Context, payload []byte, env protocol.Envelope, targets []string) (Result, error) {
	if !env.Binary() {
		return Result{}, apperrors.New(apperrors.CodeDispatchNotBinary,
			"command "+string(env.Data.Command)+" does not carry a binary payload")
	}

	if payload == nil {
		payload = []byte{}
	}
	sum := bundle.Checksum(payload)
	if env.MD5 == "" {
		env.MD5 = sum
	} else if env.MD5 != sum {
		return Result{}, apperrors.ChecksumMismatch(env.MD5, sum)
	}
	return s.dispatch(ctx, payload, env, targets)
}

// SendCommand picks SendBinary or SendText from the envelope type.
func (s *Server) SendCommand(ctx context.Context, env protocol.Envelope, payload []byte, targets []string) (Result, error) {
	if env.Binary() {
		return s.SendBinary(ctx, payload, env, targets)
	}
	return s.SendText(ctx, env, targets)
}

func (s *Server) dispatch(ctx context.Context, payload []byte, env protocol.Envelope, targets []string) (Result, error) {
	res := Result{Command: env.Data.Command, MessageID: env.MessageID}

	if !s.IsRunning() {
		res.Status = StatusNotRunning
		return res, nil
	}

	text, err := env.Encode()
	if err != nil {
		return Result{}, err
	}

	sessions, missing := s.registry.sessions(targets)
	for _, target := range missing {
		code, msg := apperrors.ToCodeAndMessage(apperrors.UnknownDevice(target))
		res.Failed = append(res.Failed, Failure{Target: target, Code: code, Message: msg})
	}
	res.Attempted = len(sessions) + len(missing)

	if res.Attempted == 0 {
		res.Status = StatusNoDevices
		return res, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.DispatchConcurrency)

	for _, sess := range sessions {
		g.Go(func() error {
			var err error
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = apperrors.Wrap(apperrors.CodeDispatchCancelled, "dispatch cancelled", ctxErr)
			} else if payload != nil {
				err = sess.WritePair(payload, text)
			} else {
				err = sess.WriteText(text)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				device := sess.Device()
				s.log.Warn().
					Err(err).
					Str("session", sess.id).
					Str("device", device.Name).
					Str("message_id", env.MessageID).
					Msg("delivery failed")
				code, msg := apperrors.ToCodeAndMessage(err)
				res.Failed = append(res.Failed, Failure{Target: sess.id, Device: device.Name, Code: code, Message: msg})
				return nil
			}
			res.Delivered++
			return nil
		})
	}
	g.Wait()

	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Target < res.Failed[j].Target })

	switch {
	case len(res.Failed) == 0:
		res.Status = StatusOK
	case res.Delivered == 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusPartial
	}

	s.log.Info().
		Str("command", string(env.Data.Command)).
		Str("message_id", env.MessageID).
		Int("delivered", res.Delivered).
		Int("failed", len(res.Failed)).
		Msg("command dispatched")
	return res, nil
}
