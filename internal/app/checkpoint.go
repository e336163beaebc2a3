package app

import (
	"context"
	"fmt"
	"path"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/llm"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("app: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("app: CBOR decoder initialization failed: " + err.Error())
	}
}

// Transcript is a point-in-time snapshot of an agent conversation.
type Transcript struct {
	SessionID string              `cbor:"session_id"`
	Iteration int                 `cbor:"iteration"`
	System    string              `cbor:"system"`
	Messages  []llm.Message       `cbor:"messages"`
	Stats     domain.SessionStats `cbor:"stats"`
	SavedAt   time.Time           `cbor:"saved_at"`
}

// TranscriptPath is the blob name of a session's transcript checkpoint.
func TranscriptPath(sessionID string) string {
	return path.Join("sessions", sessionID, "transcript.cbor")
}

// TranscriptCheckpointer persists transcripts to blob storage.
type TranscriptCheckpointer struct {
	blobs BlobStore
}

// NewTranscriptCheckpointer creates a checkpointer over blobs.
func NewTranscriptCheckpointer(blobs BlobStore) *TranscriptCheckpointer {
	return &TranscriptCheckpointer{blobs: blobs}
}

// Save overwrites the session's checkpoint.
func (c *TranscriptCheckpointer) Save(ctx context.Context, t Transcript) Outcome {
	out := Outcome{Op: "checkpoint transcript"}
	data, err := cborEnc.Marshal(t)
	if err != nil {
		out.Err = fmt.Errorf("encode: %w", err)
		return out
	}
	out.Err = c.blobs.Put(ctx, TranscriptPath(t.SessionID), data)
	return out
}

// Load reads the latest checkpoint for a session.
func (c *TranscriptCheckpointer) Load(ctx context.Context, sessionID string) (*Transcript, error) {
	data, err := c.blobs.Get(ctx, TranscriptPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", sessionID, err)
	}
	var t Transcript
	if err := cborDec.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", sessionID, err)
	}
	return &t, nil
}
