package pbft

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/typedvalue"
)

// requestDedup implements the client-request intake dedup/staleness check
// of SPEC_FULL.md §4.4, step 2: distinct from the service adapter's own
// idempotent-by-(client,nonce) replay handling (internal/service), this one
// guards protocol intake before a sequence is ever assigned.
//
// Reserved keys: "dedup/{client}_{payload_hash}" per SPEC_FULL.md §6, plus
// "dedup/last_ts/{client}" tracking the per-client monotonic timestamp
// horizon this package adds for the staleness half of the check.
type requestDedup struct {
	s store.Store
}

func newRequestDedup(s store.Store) *requestDedup {
	return &requestDedup{s: s}
}

func dedupKey(client, payloadHashHex string) string {
	return typedvalue.Join("dedup/"+typedvalue.EscapeComponent(client), payloadHashHex)
}

func lastTimestampKey(client string) string {
	return "dedup/last_ts/" + typedvalue.EscapeComponent(client)
}

// CheckAndRecord reports whether (client, payloadHashHex) has already been
// accepted (duplicate), or whether timestamp is older than this client's
// previously accepted horizon (stale). A request that is neither is
// recorded and becomes the new horizon.
func (d *requestDedup) CheckAndRecord(client, payloadHashHex string, timestamp int64) (duplicate, stale bool, err error) {
	if _, err := d.s.Read(dedupKey(client, payloadHashHex)); err == nil {
		return true, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, false, err
	}

	last, err := d.readLastTimestamp(client)
	if err != nil {
		return false, false, err
	}
	if timestamp < last {
		return false, true, nil
	}

	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(timestamp))
	if err := d.s.Update(dedupKey(client, payloadHashHex), tsBuf); err != nil {
		return false, false, err
	}
	if err := d.s.Update(lastTimestampKey(client), tsBuf); err != nil {
		return false, false, err
	}
	return false, false, nil
}

func (d *requestDedup) readLastTimestamp(client string) (int64, error) {
	raw, err := d.s.Read(lastTimestampKey(client))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errors.New("pbft: malformed dedup timestamp encoding")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}
