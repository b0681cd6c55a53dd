// Package assembler turns one chapter's text into one ordered audio artifact.
//
// A chapter is segmented into provider-safe chunks, each chunk is synthesized
// (concurrently, up to a bound), and the results are joined strictly in
// segment order. MP3 frames concatenate into a valid stream, so the join is
// a plain byte concatenation.
package assembler

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/storyloom/backend/internal/segment"
	"github.com/storyloom/backend/internal/tts"
)

// wordsPerMinute is the narration speed used for duration estimates. The
// pipeline never decodes the audio; duration is an estimate by design.
const wordsPerMinute = 150

// Result is the assembled audio for one chapter.
type Result struct {
	Audio           []byte
	DurationSeconds int
	CharacterCount  int // decoded characters actually synthesized, used for billing
	SegmentCount    int
}

// Assembler synthesizes chapters through a tts.Client.
type Assembler struct {
	client          tts.Client
	maxSegmentBytes int
	concurrency     int
	logger          *log.Logger
}

// New creates an assembler. concurrency bounds in-flight synthesis requests
// per chapter; values below 1 are treated as 1 (sequential).
func New(client tts.Client, maxSegmentBytes, concurrency int, logger *log.Logger) *Assembler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Assembler{
		client:          client,
		maxSegmentBytes: maxSegmentBytes,
		concurrency:     concurrency,
		logger:          logger,
	}
}

// AssembleChapter synthesizes chapterText with the given voice and returns
// the concatenated audio. A single failed segment fails the whole chapter;
// there are no per-segment retries.
func (a *Assembler) AssembleChapter(ctx context.Context, chapterText string, voice tts.VoiceConfig) (*Result, error) {
	segments, err := segment.Split(chapterText, a.maxSegmentBytes)
	if err != nil {
		return nil, err
	}

	// Results land in index-addressed slots, never appended, so the final
	// concatenation follows text order regardless of completion order.
	slots := make([][]byte, len(segments))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, a.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, seg := range segments {
		wg.Add(1)
		go func(seg segment.Segment) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			audio, synthErr := a.client.Synthesize(ctx, seg.Text, voice)
			if synthErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("segment %d/%d: %w", seg.Index+1, len(segments), synthErr)
					cancel() // abandon remaining segments
				}
				mu.Unlock()
				return
			}
			slots[seg.Index] = audio
		}(seg)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf []byte
	var chars int
	var joined strings.Builder
	for i, seg := range segments {
		buf = append(buf, slots[i]...)
		chars += utf8.RuneCountInString(seg.Text)
		joined.WriteString(seg.Text)
	}

	a.logger.Printf("assembler: chapter synthesized (segments=%d chars=%d bytes=%d)", len(segments), chars, len(buf))

	return &Result{
		Audio:           buf,
		DurationSeconds: estimateDurationSeconds(joined.String()),
		CharacterCount:  chars,
		SegmentCount:    len(segments),
	}, nil
}

// estimateDurationSeconds estimates narration length from word count at a
// fixed reading speed.
func estimateDurationSeconds(text string) int {
	words := len(strings.Fields(text))
	return int(math.Round(float64(words) / wordsPerMinute * 60))
}
