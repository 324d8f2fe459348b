package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

const prefixConsumerCursor = "/pubcursor/" // /pubcursor/{consumer}

// GetCursor returns the last token a named consumer acknowledged, 0 for a
// consumer that never advanced
func (l *Log) GetCursor(consumer string) (uint64, error) {
	l.cursorsMu.RLock()
	token, ok := l.cursors[consumer]
	l.cursorsMu.RUnlock()
	if ok {
		return token, nil
	}

	val, closer, err := l.db.Get([]byte(prefixConsumerCursor + consumer))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor value length: %d", len(val))
	}
	token = binary.LittleEndian.Uint64(val)

	l.cursorsMu.Lock()
	if existing, ok := l.cursors[consumer]; ok {
		l.cursorsMu.Unlock()
		return existing, nil
	}
	l.cursors[consumer] = token
	l.cursorsMu.Unlock()
	return token, nil
}

// AdvanceCursor durably records that consumer processed everything up to token
func (l *Log) AdvanceCursor(consumer string, token uint64) error {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, token)
	if err := l.db.Set([]byte(prefixConsumerCursor+consumer), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	l.cursorsMu.Lock()
	l.cursors[consumer] = token
	l.cursorsMu.Unlock()
	return nil
}
