package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"pagestore/pkg/id"
	"pagestore/pkg/lsn"
)

const fileName = "manifest.json"

// Manifest is the persisted local state of one timeline: its identity,
// ancestry, consistency horizons and the exact layer set. It is rewritten
// on every layer-map change, so a restart reconstructs the pre-crash layer
// set without replaying already-flushed WAL.
type Manifest struct {
	TimelineID  id.TimelineID `json:"timeline_id"`
	AncestorID  id.TimelineID `json:"ancestor_timeline_id,omitzero"`
	AncestorLSN lsn.Lsn       `json:"ancestor_lsn,omitzero"`

	// DiskConsistentLSN is the highest LSN all WAL up to which has been
	// sealed into layer files; ingestion resumes from here after restart.
	DiskConsistentLSN lsn.Lsn `json:"disk_consistent_lsn"`
	GCCutoffLSN       lsn.Lsn `json:"gc_cutoff_lsn"`

	NextLayerSeq uint64       `json:"next_layer_seq"`
	Layers       []LayerEntry `json:"layers"`
}

// LayerEntry records one sealed layer; the name doubles as its blob name
// in remote storage.
type LayerEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func path(dir string) string {
	return filepath.Join(dir, fileName)
}

// Exists reports whether dir holds a manifest.
func Exists(dir string) bool {
	_, err := os.Stat(path(dir))
	return err == nil
}

func Load(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(path(dir))
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	return &m, nil
}

// Write persists the manifest atomically: write a temp file, fsync, rename
// over the old one. A crash leaves either the old or the new manifest,
// never a torn mix.
func (m *Manifest) Write(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	tmp, err := os.CreateTemp(dir, fileName+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create manifest temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write manifest")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync manifest")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path(dir)); err != nil {
		return errors.Wrap(err, "publish manifest")
	}
	return nil
}
