// Package stt turns microphone audio into user text.
package stt

import "context"

// Transcript is one finished user utterance.
type Transcript struct {
	Text       string
	Confidence float64 // Lowest segment confidence, 0.0 to 1.0
}

// Transcriber is a live speech-to-text session.
type Transcriber interface {
	// Start opens the streaming session. ctx bounds the session's lifetime.
	Start(ctx context.Context) error

	// SendAudio sends a chunk of raw microphone audio
	SendAudio(audio []byte) error

	// Transcripts delivers finished utterances. It is closed by Close.
	Transcripts() <-chan Transcript

	// Close ends the session and releases resources
	Close() error
}
