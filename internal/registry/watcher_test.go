// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

func watchConfig(dir string) Config {
	return Config{
		Dir:              dir,
		DebounceWindow:   10 * time.Millisecond,
		ReloadsPerMinute: 600000,
	}
}

func TestWatch_LoadsCreatedAndModifiedFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg, _ := newTestRegistry(t, watchConfig(dir))

	if err := reg.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := reg.Watch(ctx); err == nil {
		t.Fatal("second Watch succeeded, want error")
	}

	path := filepath.Join(dir, "train.yaml")
	writeDefinitionFile(t, path, "train", "1.0.0")
	waitUntil(t, func() bool {
		_, err := reg.Get(ctx, "train", "1.0.0")
		return err == nil
	}, "created file to register")

	// Rewriting the file with a new version replaces it in the live
	// set; the old version remains resolvable through the store.
	writeDefinitionFile(t, path, "train", "1.1.0")
	waitUntil(t, func() bool {
		def, err := reg.Get(ctx, "train", "")
		return err == nil && def.Version == "1.1.0"
	}, "modified file to reload")

	defs := reg.List()
	if len(defs) != 1 || defs[0].Key() != "train@1.1.0" {
		keys := make([]string, len(defs))
		for i, d := range defs {
			keys[i] = d.Key()
		}
		t.Errorf("live set = %v, want [train@1.1.0]", keys)
	}
	if _, err := reg.Get(ctx, "train", "1.0.0"); err != nil {
		t.Errorf("stored previous version: %v", err)
	}
}

func TestWatch_RemovesDeletedFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "etl.yaml")
	writeDefinitionFile(t, path, "etl", "1.0.0")

	reg, _ := newTestRegistry(t, watchConfig(dir))
	if n, err := reg.LoadDir(ctx); err != nil || n != 1 {
		t.Fatalf("LoadDir = (%d, %v), want (1, nil)", n, err)
	}
	if err := reg.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	waitUntil(t, func() bool {
		return len(reg.List()) == 0
	}, "deleted file to leave the live set")

	// Executions already referencing the definition still resolve it.
	if _, err := reg.Get(ctx, "etl", "1.0.0"); err != nil {
		t.Errorf("store fallback after delete: %v", err)
	}
}

func TestWatch_IgnoresNonMatchingFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg, _ := newTestRegistry(t, watchConfig(dir))
	if err := reg.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte(definitionYAML("stray", "1.0.0")), 0o644); err != nil {
		t.Fatalf("write readme.txt: %v", err)
	}
	writeDefinitionFile(t, filepath.Join(dir, "real.yaml"), "real", "1.0.0")

	waitUntil(t, func() bool {
		_, err := reg.Get(ctx, "real", "1.0.0")
		return err == nil
	}, "matching file to register")

	if _, err := reg.Get(ctx, "stray", ""); !maestroerrors.IsNotFound(err) {
		t.Errorf("non-matching file registered: %v", err)
	}
	if got := reg.List(); len(got) != 1 {
		t.Errorf("live set has %d definitions, want 1", len(got))
	}
}

func TestWatch_PicksUpNewSubdirectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg, _ := newTestRegistry(t, watchConfig(dir))
	if err := reg.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	sub := filepath.Join(dir, "team-ml")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// The subdirectory watch is added asynchronously, so keep writing
	// until an event lands.
	path := filepath.Join(sub, "embed.yaml")
	deadline := time.Now().Add(10 * time.Second)
	for {
		writeDefinitionFile(t, path, "embed", "1.0.0")
		if _, err := reg.Get(ctx, "embed", "1.0.0"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subdirectory file to register")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatch_RateLimitsReloadBursts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := watchConfig(dir)
	cfg.DebounceWindow = 5 * time.Millisecond
	cfg.ReloadsPerMinute = 0.001 // only the burst allowance passes
	reg, _ := newTestRegistry(t, cfg)
	if err := reg.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	for i := 0; i < reloadBurst+2; i++ {
		name := filepath.Join(dir, string(rune('a'+i))+".yaml")
		writeDefinitionFile(t, name, "wf-"+string(rune('a'+i)), "1.0.0")
		time.Sleep(15 * time.Millisecond)
	}

	waitUntil(t, func() bool {
		return len(reg.List()) == reloadBurst
	}, "burst allowance of reloads")

	time.Sleep(100 * time.Millisecond)
	if got := reg.List(); len(got) != reloadBurst {
		t.Errorf("live set has %d definitions after rate limiting, want %d", len(got), reloadBurst)
	}
}

func TestClose_StopsWatching(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg, _ := newTestRegistry(t, watchConfig(dir))
	if err := reg.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := reg.Watch(ctx); !maestroerrors.IsCancelled(err) {
		t.Errorf("Watch after Close error = %v, want CancelledError", err)
	}

	writeDefinitionFile(t, filepath.Join(dir, "late.yaml"), "late", "1.0.0")
	time.Sleep(50 * time.Millisecond)
	if _, err := reg.Get(ctx, "late", ""); !maestroerrors.IsNotFound(err) {
		t.Errorf("file written after Close registered: %v", err)
	}
}

func TestDebouncer_CoalescesBurstsPerPath(t *testing.T) {
	var mu sync.Mutex
	flushed := make(map[string]int)
	deb := newDebouncer(10*time.Millisecond, func(path string) {
		mu.Lock()
		flushed[path]++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		deb.add("a.yaml")
	}
	deb.add("b.yaml")

	if deb.pending() != 2 {
		t.Errorf("pending() = %d, want 2", deb.pending())
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushed["a.yaml"] == 1 && flushed["b.yaml"] == 1
	}, "debounced flushes")
	if deb.pending() != 0 {
		t.Errorf("pending() after flush = %d, want 0", deb.pending())
	}

	deb.stop()
	deb.add("c.yaml")
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if flushed["c.yaml"] != 0 {
		t.Error("debouncer flushed after stop")
	}
	if flushed["a.yaml"] != 1 {
		t.Errorf("a.yaml flushed %d times, want 1", flushed["a.yaml"])
	}
}
