package interviewer

import "strings"

// Sentence terminators, Chinese and western. The reply streams in small
// deltas; cutting on these lets speech synthesis start while the model is
// still talking.
const sentenceEndings = "。！？!?\n"

// A clause with no terminator is flushed once it grows this long, so a
// rambling reply still reaches the speaker in pieces.
const maxSentenceRunes = 60

// Splitter buffers streamed reply deltas and emits complete sentences as
// they form. Emit errors propagate to the writer, aborting the stream.
type Splitter struct {
	emit func(sentence string) error
	buf  []rune
}

func NewSplitter(emit func(string) error) *Splitter {
	return &Splitter{emit: emit}
}

// Write appends a delta and emits every complete sentence it closes.
func (s *Splitter) Write(delta string) error {
	s.buf = append(s.buf, []rune(delta)...)
	for {
		cut := -1
		for i, r := range s.buf {
			if strings.ContainsRune(sentenceEndings, r) {
				cut = i
				break
			}
		}
		if cut < 0 {
			if len(s.buf) < maxSentenceRunes {
				return nil
			}
			cut = len(s.buf) - 1
		}
		sentence := strings.TrimSpace(string(s.buf[:cut+1]))
		s.buf = s.buf[cut+1:]
		if sentence == "" {
			continue
		}
		if err := s.emit(sentence); err != nil {
			return err
		}
	}
}

// Flush emits whatever trails the last terminator.
func (s *Splitter) Flush() error {
	sentence := strings.TrimSpace(string(s.buf))
	s.buf = nil
	if sentence == "" {
		return nil
	}
	return s.emit(sentence)
}
