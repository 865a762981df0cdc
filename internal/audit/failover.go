package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	spoolDir           = "/var/lib/erm/audit_spool"
	maxSpoolSize int64 = 256 * 1024 * 1024
	spoolMu      sync.Mutex
)

// ConfigureFailover sets the spool location and size bound. Called once at
// startup before any AppendAsync.
func ConfigureFailover(dir string, maxMB int64) {
	if dir != "" {
		spoolDir = dir
	}
	if maxMB > 0 {
		maxSpoolSize = maxMB * 1024 * 1024
	}
	_ = os.MkdirAll(spoolDir, 0750)
}

// Spool appends one record to the local JSONL spool file.
func Spool(rec Record) error {
	spoolMu.Lock()
	defer spoolMu.Unlock()

	if spoolSize() >= maxSpoolSize {
		return fmt.Errorf("audit spool full (%d bytes)", maxSpoolSize)
	}

	line, err := json.Marshal(SpooledRecord{
		EventID:   rec.EventID.String(),
		Payload:   rec,
		SpooledAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(spoolDir, "audit_spool.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func spoolSize() int64 {
	var size int64
	filepath.Walk(spoolDir, func(_ string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

var replayMu sync.Mutex

// StartReplayer periodically flushes spooled records back into the store.
// Replay goes through Append, so the event_id conflict clause makes retries
// idempotent; records that still fail are re-spooled by the caller flow.
func (s *Service) StartReplayer(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

func (s *Service) ReplaySpool(ctx context.Context) {
	replayMu.Lock()
	defer replayMu.Unlock()

	filename := filepath.Join(spoolDir, "audit_spool.log")
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || (info != nil && info.Size() == 0) {
		return
	}

	replayFile := filepath.Join(spoolDir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(filename, replayFile); err != nil {
		log.Printf("[WARN] audit: spool rotate failed: %v", err)
		return
	}

	f, err := os.Open(replayFile)
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	var flushed int
	for scanner.Scan() {
		var sr SpooledRecord
		if err := json.Unmarshal(scanner.Bytes(), &sr); err != nil {
			continue
		}
		if err := s.Append(ctx, sr.Payload); err != nil {
			// Store still down: push it back onto the live spool.
			_ = Spool(sr.Payload)
			continue
		}
		flushed++
	}
	f.Close()
	os.Remove(replayFile)

	if flushed > 0 {
		log.Printf("audit: replayed %d spooled records", flushed)
	}
}
