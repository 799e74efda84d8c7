package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"kadnet/internal/core"
)

// On-disk snapshot. The schema carries its own version so a node can
// reload state written by an older build.
const snapshotSchema = 1

type diskValue struct {
	PublicKey   []byte `cbor:"k,omitempty"`
	Recipient   []byte `cbor:"rec,omitempty"`
	Nonce       []byte `cbor:"n,omitempty"`
	Signature   []byte `cbor:"sig,omitempty"`
	Seq         int    `cbor:"seq"`
	Data        []byte `cbor:"v"`
	AnnouncedAt int64  `cbor:"at"`
	Persistent  bool   `cbor:"own,omitempty"`
}

type diskPeer struct {
	PeerID      []byte `cbor:"pid"`
	NodeID      []byte `cbor:"nid"`
	Origin      []byte `cbor:"x,omitempty"`
	Port        uint16 `cbor:"p"`
	Alt         string `cbor:"alt,omitempty"`
	Signature   []byte `cbor:"sig"`
	AnnouncedAt int64  `cbor:"at"`
	Persistent  bool   `cbor:"own,omitempty"`
}

type diskSnapshot struct {
	Schema int         `cbor:"s"`
	Values []diskValue `cbor:"values,omitempty"`
	Peers  []diskPeer  `cbor:"peers,omitempty"`
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// Save writes the full snapshot atomically: temp file, fsync, rename.
func (s *Store) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	snap := diskSnapshot{Schema: snapshotSchema}
	for _, id := range s.values.Keys() {
		rec, ok := s.values.Get(id)
		if !ok {
			continue
		}
		v := rec.Value
		dv := diskValue{
			Nonce:       v.Nonce,
			Signature:   v.Signature,
			Seq:         v.SequenceNumber,
			Data:        v.Data,
			AnnouncedAt: rec.AnnouncedAt.Unix(),
			Persistent:  rec.Persistent,
		}
		if v.IsMutable() {
			dv.PublicKey = v.PublicKey.Bytes()
		}
		if v.IsEncrypted() {
			dv.Recipient = v.Recipient.Bytes()
		}
		snap.Values = append(snap.Values, dv)
	}
	for _, key := range s.peers.Keys() {
		rec, ok := s.peers.Get(key)
		if !ok {
			continue
		}
		p := rec.Peer
		dp := diskPeer{
			PeerID:      p.PeerID.Bytes(),
			NodeID:      p.NodeID.Bytes(),
			Port:        p.Port,
			Alt:         p.AlternativeURL,
			Signature:   p.Signature,
			AnnouncedAt: rec.AnnouncedAt.Unix(),
			Persistent:  rec.Persistent,
		}
		if p.IsDelegated() {
			dp.Origin = p.Origin.Bytes()
		}
		snap.Peers = append(snap.Peers, dp)
	}

	data, err := cbor.Marshal(&snap)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// Load restores a snapshot, skipping records that fail validation so a
// corrupted file cannot poison the store.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap diskSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Schema != snapshotSchema {
		return nil
	}
	for _, dv := range snap.Values {
		v := core.Value{
			Nonce:          dv.Nonce,
			Signature:      dv.Signature,
			SequenceNumber: dv.Seq,
			Data:           dv.Data,
		}
		if len(dv.PublicKey) > 0 {
			id, err := core.IdFromBytes(dv.PublicKey)
			if err != nil {
				continue
			}
			v.PublicKey = id
		}
		if len(dv.Recipient) > 0 {
			id, err := core.IdFromBytes(dv.Recipient)
			if err != nil {
				continue
			}
			v.Recipient = id
		}
		if !v.IsValid() {
			continue
		}
		s.values.Add(v.Id(), ValueRecord{
			Value:       v,
			AnnouncedAt: time.Unix(dv.AnnouncedAt, 0),
			Persistent:  dv.Persistent,
		})
	}
	for _, dp := range snap.Peers {
		peerID, err := core.IdFromBytes(dp.PeerID)
		if err != nil {
			continue
		}
		nodeID, err := core.IdFromBytes(dp.NodeID)
		if err != nil {
			continue
		}
		p := core.PeerInfo{
			PeerID:         peerID,
			NodeID:         nodeID,
			Port:           dp.Port,
			AlternativeURL: dp.Alt,
			Signature:      dp.Signature,
		}
		if len(dp.Origin) > 0 {
			origin, err := core.IdFromBytes(dp.Origin)
			if err != nil {
				continue
			}
			p.Origin = origin
		}
		if !p.IsValid() {
			continue
		}
		s.peers.Add(peerKey{peerID: p.PeerID, nodeID: p.NodeID}, PeerRecord{
			Peer:        p,
			AnnouncedAt: time.Unix(dp.AnnouncedAt, 0),
			Persistent:  dp.Persistent,
		})
	}
	return nil
}
