package speech

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestStreamChunksAndMeta(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		json.NewEncoder(w).Encode(TranscriptResult{Text: "chunk", Language: "en", Segments: nil})
		_ = n
	}))

	stream := c.OpenStream(map[string]string{"task_id": "t-1"}, 8000, TranscribeOptions{})
	stream.chunkDur = 100 * time.Millisecond // 1600 bytes per chunk

	// Push 200 ms of audio: two full chunks.
	frame := make([]byte, 320)
	for i := 0; i < 10; i++ {
		stream.Push(frame)
	}

	for i := 0; i < 2; i++ {
		select {
		case res := <-stream.C:
			if res.Err != nil {
				t.Fatalf("result %d: %v", i, res.Err)
			}
			if res.Result.Text != "chunk" {
				t.Errorf("result %d text = %q", i, res.Result.Text)
			}
			if res.Meta["task_id"] != "t-1" {
				t.Errorf("result %d meta = %v, want task_id=t-1", i, res.Meta)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}

	stream.Close()
}

func TestStreamCloseFlushesPartialChunk(t *testing.T) {
	var audioBytes atomic.Int64

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file field: %v", err)
		}
		defer f.Close()
		buf := make([]byte, 1<<20)
		n, _ := f.Read(buf)
		audioBytes.Store(int64(n))
		json.NewEncoder(w).Encode(TranscriptResult{Text: "tail"})
	}))

	stream := c.OpenStream(nil, 8000, TranscribeOptions{})
	// Half a second of audio: far less than the 5 s chunk target.
	stream.Push(make([]byte, 8000))
	stream.Close()

	select {
	case res, ok := <-stream.C:
		if !ok {
			t.Fatal("result channel closed without the flushed chunk")
		}
		if res.Err != nil {
			t.Fatalf("flush result: %v", res.Err)
		}
		if res.Result.Text != "tail" {
			t.Errorf("text = %q, want tail", res.Result.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed chunk")
	}

	// Channel must be closed after the flush.
	select {
	case _, ok := <-stream.C:
		if ok {
			t.Error("unexpected extra result after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result channel never closed")
	}

	if got := audioBytes.Load(); got != wavHeaderSize+8000 {
		t.Errorf("flushed wav bytes = %d, want %d", got, wavHeaderSize+8000)
	}
}

func TestStreamPushAfterCloseIsNoop(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TranscriptResult{})
	}))

	stream := c.OpenStream(nil, 8000, TranscribeOptions{})
	stream.Close()
	stream.Push(make([]byte, 320)) // must not panic on the closed queue
	stream.Close()                 // second close is a no-op
}

func TestStreamDropsOldestWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		json.NewEncoder(w).Encode(TranscriptResult{})
	}))

	stream := c.OpenStream(nil, 8000, TranscribeOptions{})
	stream.chunkDur = 20 * time.Millisecond // worker busy after the first frame

	// Saturate the queue well past its capacity while the worker is stuck.
	frame := make([]byte, 320)
	for i := 0; i < streamQueueSize*2+10; i++ {
		stream.Push(frame)
	}

	if stream.Dropped() == 0 {
		t.Error("expected dropped frames once the queue saturated")
	}

	close(block)
	stream.Close()
}
