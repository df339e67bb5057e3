// Package id provides prefixed identifier generation.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixSession = "sess"
	PrefixAudio   = "aud"
	PrefixTurn    = "turn"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

// NewSession labels one WebSocket dialogue connection.
func NewSession() string { return New(PrefixSession) }

// NewAudioKey names a synthesized audio object in storage.
func NewAudioKey() string { return New(PrefixAudio) }

// NewTurn labels one dialogue turn in logs.
func NewTurn() string { return New(PrefixTurn) }
