package endpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/registry"
)

// filetalkBehavior drains and delivers messages through a directory of
// *.json files. It backs KindFiletalk endpoints in IntraFlow's routing
// phase and is NOT used directly by the filesystem router daemon
// (internal/router), which implements the same file discipline against
// its own delivery-pass batching — see DESIGN.md's "Open Question
// Decisions" §3 on why the two never share a directory.
type filetalkBehavior struct{}

func (filetalkBehavior) RequiresRef() bool { return false }

func (filetalkBehavior) ResolveRef(_ *registry.Registry, _ *Spec) error { return nil }

func (filetalkBehavior) IsPersistable(spec *Spec) bool { return spec.ID != "" }

// DrainMessages lists *.json files in the directory and parses each.
// A file that fails to parse is left in place (presumed mid-write) for
// retry on the next drain; non-.json files are ignored entirely.
func (filetalkBehavior) DrainMessages(spec *Spec) ([]message.Message, error) {
	entries, err := os.ReadDir(spec.ID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filetalk: list %s: %w", spec.ID, err)
	}

	var out []message.Message
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(spec.ID, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			// Raced with a concurrent delete; nothing to retry.
			continue
		}
		var m message.Message
		if err := json.Unmarshal(data, &m); err != nil {
			// Presumed mid-write; retry next drain.
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return out, fmt.Errorf("filetalk: remove %s: %w", path, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Deliver writes one *.json file with a unique name into the
// directory, creating the directory if absent. The write is atomic: a
// temp file is written in the same directory and renamed into place,
// so a concurrent drain never observes a partial file — the same
// discipline used by maddy's on-disk mail queue
// (other_examples/.../queue.go's metaPath+".new" rename).
func (filetalkBehavior) Deliver(spec *Spec, msg message.Message) error {
	if err := os.MkdirAll(spec.ID, 0o755); err != nil {
		return fmt.Errorf("filetalk: create %s: %w", spec.ID, err)
	}

	name := fmt.Sprintf("%s.json", uuid.NewString())
	return writeJSONAtomic(filepath.Join(spec.ID, name), msg)
}

// writeJSONAtomic marshals v and writes it to path via a sibling temp
// file followed by a rename, so readers never see a partially-written
// file with its final name.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filetalk: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("filetalk: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("filetalk: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filetalk: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filetalk: rename into place: %w", err)
	}
	return nil
}
