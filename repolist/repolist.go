// Package repolist reads and edits the repos.json file which lists the
// repositories to mirror.
//
// The file is an ordered JSON array of {"source": "...", "mirror": "..."}
// objects. Comments and trailing commas are tolerated on read. A missing
// or empty mirror means the repository is only fetched.
package repolist

import (
	"encoding/json"
	"os"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/jsonc"
	"github.com/utilitywarehouse/repo-mirror/internal/lock"
	"github.com/utilitywarehouse/repo-mirror/internal/utils"
)

var (
	// ErrIndex is returned when an entry index is out of range.
	ErrIndex = errors.New("repository index out of range")
	// ErrField is returned when an unknown entry field is edited.
	ErrField = errors.New("invalid field name")
	// ErrMismatch is returned when the current value of the edited field
	// does not match the expected old value.
	ErrMismatch = errors.New("old value mismatch")
)

// Entry is one configured repository.
type Entry struct {
	Source string `json:"source"`
	Mirror string `json:"mirror"`
}

// MarshalJSON writes an empty mirror as null.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := struct {
		Source string  `json:"source"`
		Mirror *string `json:"mirror"`
	}{Source: e.Source}
	if e.Mirror != "" {
		out.Mirror = &e.Mirror
	}
	return json.Marshal(out)
}

// File is the repos.json store. It is safe for concurrent use within a
// process, every call re-reads the file so external edits are always seen.
type File struct {
	lock lock.RWMutex
	path string
}

// New returns store backed by the file at given path.
func New(path string) *File {
	return &File{path: path}
}

// Path returns path of the backing file.
func (f *File) Path() string {
	return f.path
}

// Load reads and parses the file.
func (f *File) Load() ([]Entry, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	return f.read()
}

// Save replaces file content with given entries.
func (f *File) Save(entries []Entry) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.write(entries)
}

// Add appends entry to the list and returns its index.
func (f *File) Add(e Entry) (int, error) {
	var index int
	err := f.modify(func(entries []Entry) ([]Entry, error) {
		index = len(entries)
		return append(entries, e), nil
	})
	return index, err
}

// Delete removes entry at given index.
func (f *File) Delete(index int) error {
	return f.modify(func(entries []Entry) ([]Entry, error) {
		if index < 0 || index >= len(entries) {
			return nil, errors.Wrapf(ErrIndex, "index %d, len %d", index, len(entries))
		}
		return slices.Delete(entries, index, index+1), nil
	})
}

// Update sets field ("source" or "mirror") of the entry at given index to
// value. The update is rejected with ErrMismatch if the field's current
// value is not old.
func (f *File) Update(index int, field, value, old string) error {
	return f.modify(func(entries []Entry) ([]Entry, error) {
		if index < 0 || index >= len(entries) {
			return nil, errors.Wrapf(ErrIndex, "index %d, len %d", index, len(entries))
		}

		var target *string
		switch field {
		case "source":
			target = &entries[index].Source
		case "mirror":
			target = &entries[index].Mirror
		default:
			return nil, errors.Wrapf(ErrField, "%q", field)
		}

		if *target != old {
			return nil, errors.Wrapf(ErrMismatch, "%q != %q", *target, old)
		}
		*target = value
		return entries, nil
	})
}

func (f *File) modify(fn func([]Entry) ([]Entry, error)) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	entries, err = fn(entries)
	if err != nil {
		return err
	}
	return f.write(entries)
}

func (f *File) read() ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", f.path)
	}

	var entries []Entry
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, errors.Wrapf(err, "unable to parse %s", f.path)
	}
	return entries, nil
}

func (f *File) write(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode repositories")
	}
	return utils.WriteFileAtomic(f.path, append(data, '\n'), 0644)
}
