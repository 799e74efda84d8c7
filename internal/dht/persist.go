package dht

import (
	"bufio"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"

	"kadnet/internal/core"
)

// Routing-table snapshot: one JSON object per line, self-describing so a
// newer build can still read it.
type diskNode struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

const maxSnapshotLine = 4 * 1024

func (d *DHT) saveCachedNodes() error {
	if err := os.MkdirAll(filepath.Dir(d.persistPath), 0700); err != nil {
		return err
	}
	tmp := d.persistPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range d.table.Snapshot() {
		line := diskNode{
			ID:       e.ID.String(),
			Addr:     e.Addr.String(),
			LastSeen: e.LastSeen.Unix(),
		}
		if err := enc.Encode(&line); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, d.persistPath)
}

// loadCachedNodes reads the previous snapshot; bad lines are skipped so
// a truncated file degrades to a smaller seed set.
func (d *DHT) loadCachedNodes() ([]core.NodeInfo, error) {
	f, err := os.Open(d.persistPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []core.NodeInfo
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024), maxSnapshotLine)
	for sc.Scan() {
		var line diskNode
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		id, err := core.IdFromHex(line.ID)
		if err != nil {
			continue
		}
		addr, err := netip.ParseAddrPort(line.Addr)
		if err != nil {
			continue
		}
		if !matchesFamily(addr, d.family) {
			continue
		}
		out = append(out, core.NodeInfo{ID: id, Addr: addr})
	}
	return out, sc.Err()
}
