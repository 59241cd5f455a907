// Package mock provides test doubles for the stt package interfaces.
//
// Model hands out a fresh Recognizer per NewRecognizer call and keeps every
// one it created, so tests can assert which instance decoded which audio:
//
//	m := &mock.Model{Template: mock.Recognizer{AcceptResult: true, Utterance: stt.Utterance{Text: "hello"}}}
//	r, _ := m.NewRecognizer(stt.RecognizerConfig{SampleRate: 16000})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/kaiwa/pkg/provider/stt"
)

var (
	_ stt.Model      = (*Model)(nil)
	_ stt.Recognizer = (*Recognizer)(nil)
)

// Model is a mock implementation of [stt.Model].
type Model struct {
	mu sync.Mutex

	// Template configures every recognizer created by NewRecognizer. Only
	// the exported behaviour fields are copied.
	Template Recognizer

	// NewRecognizerErr, if non-nil, is returned by NewRecognizer.
	NewRecognizerErr error

	// Configs records the config of every NewRecognizer call.
	Configs []stt.RecognizerConfig

	// Created holds every recognizer handed out, in order.
	Created []*Recognizer

	// CallCountClose records Close calls.
	CallCountClose int
}

// NewRecognizer implements [stt.Model].
func (m *Model) NewRecognizer(cfg stt.RecognizerConfig) (stt.Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Configs = append(m.Configs, cfg)
	if m.NewRecognizerErr != nil {
		return nil, m.NewRecognizerErr
	}
	r := &Recognizer{
		Config:       cfg,
		AcceptResult: m.Template.AcceptResult,
		AcceptFunc:   m.Template.AcceptFunc,
		AcceptErr:    m.Template.AcceptErr,
		PanicMsg:     m.Template.PanicMsg,
		Utterance:    m.Template.Utterance,
		Partial:      m.Template.Partial,
		FinalErr:     m.Template.FinalErr,
	}
	m.Created = append(m.Created, r)
	return r, nil
}

// Recognizers returns a snapshot of Created.
func (m *Model) Recognizers() []*Recognizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Created)
}

// Close implements [stt.Model].
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	return nil
}

// Recognizer is a mock implementation of [stt.Recognizer].
type Recognizer struct {
	mu sync.Mutex

	// Config is the config this recognizer was created with.
	Config stt.RecognizerConfig

	// AcceptResult is returned by AcceptWaveform unless AcceptFunc is set.
	AcceptResult bool

	// AcceptFunc, if set, decides the AcceptWaveform result per chunk.
	AcceptFunc func(pcm []byte) bool

	// AcceptErr, if non-nil, is returned by AcceptWaveform.
	AcceptErr error

	// PanicMsg, if non-empty, makes AcceptWaveform panic.
	PanicMsg string

	// Utterance is returned by Result and FinalResult.
	Utterance stt.Utterance

	// Partial is returned by PartialResult.
	Partial string

	// FinalErr, if non-nil, is returned by FinalResult.
	FinalErr error

	// Accepted records a copy of every chunk passed to AcceptWaveform.
	Accepted [][]byte

	// Buffered counts bytes accepted since the last boundary or flush.
	Buffered int

	// CallCountFinal records FinalResult calls.
	CallCountFinal int

	// Closed reports whether Close was called.
	Closed bool
}

// AcceptWaveform implements [stt.Recognizer].
func (r *Recognizer) AcceptWaveform(_ context.Context, pcm []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PanicMsg != "" {
		panic(r.PanicMsg)
	}
	r.Accepted = append(r.Accepted, slices.Clone(pcm))
	if r.AcceptErr != nil {
		return false, r.AcceptErr
	}
	r.Buffered += len(pcm)
	done := r.AcceptResult
	if r.AcceptFunc != nil {
		done = r.AcceptFunc(pcm)
	}
	if done {
		r.Buffered = 0
	}
	return done, nil
}

// Result implements [stt.Recognizer].
func (r *Recognizer) Result() stt.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Utterance
}

// PartialResult implements [stt.Recognizer].
func (r *Recognizer) PartialResult() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Partial
}

// FinalResult implements [stt.Recognizer]. It returns an empty utterance when
// nothing is buffered.
func (r *Recognizer) FinalResult(_ context.Context) (stt.Utterance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountFinal++
	if r.FinalErr != nil {
		return stt.Utterance{}, r.FinalErr
	}
	if r.Buffered == 0 {
		return stt.Utterance{}, nil
	}
	r.Buffered = 0
	return r.Utterance, nil
}

// Close implements [stt.Recognizer].
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
	return nil
}

// AcceptedCount returns the number of AcceptWaveform calls.
func (r *Recognizer) AcceptedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Accepted)
}

// IsClosed reports whether Close was called.
func (r *Recognizer) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Closed
}
