package logstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"os"

	"github.com/lightningnetwork/walletsync/changeset"
)

const (
	// recordHeaderSize is the size of the length and checksums prefix of
	// every record.
	recordHeaderSize = 12

	// maxRecordSize bounds the payload of a single record.
	maxRecordSize = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FileStore is a Store backed by a single flat file. The file starts with the
// magic marker, followed by records of the form:
//
//	[4 byte length][4 byte crc32c of length][4 byte crc32c of payload][payload]
//
// with big endian integers, where the payload is an encoded change set. The
// length has its own checksum so a damaged length is told apart from a
// record cut short by a crash. Only the latter is dropped on replay, with the
// file truncated back to the last complete record.
type FileStore struct {
	gate replayGate

	file  *os.File
	magic []byte

	// end is the offset right past the last valid record.
	end int64
}

// A compile time check to ensure FileStore implements the Store interface.
var _ Store = (*FileStore)(nil)

// OpenFileStore opens the store at path, creating it if it doesn't exist.
// A nil magic selects DefaultMagic.
func OpenFileStore(path string, magic []byte) (*FileStore, error) {
	if magic == nil {
		magic = DefaultMagic
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, &StorageError{Op: "stat", Err: err}
	}

	if info.Size() == 0 {
		log.Infof("Creating new change set log at %v", path)

		if _, err := file.Write(magic); err != nil {
			_ = file.Close()
			return nil, &StorageError{Op: "write magic", Err: err}
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return nil, &StorageError{Op: "sync", Err: err}
		}
	} else {
		header := make([]byte, len(magic))
		_, err := io.ReadFull(file, header)
		if err != nil || !bytes.Equal(header, magic) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %v", ErrBadMagic, path)
		}
	}

	return &FileStore{
		file:  file,
		magic: magic,
		end:   int64(len(magic)),
	}, nil
}

// Replay yields every change set in the file.
//
// NOTE: This is part of the Store interface.
func (f *FileStore) Replay() iter.Seq2[*changeset.ChangeSet, error] {
	if err := f.gate.begin(); err != nil {
		return failedReplay(err)
	}

	return func(yield func(*changeset.ChangeSet, error) bool) {
		info, err := f.file.Stat()
		if err != nil {
			f.gate.abandon()
			yield(nil, &StorageError{Op: "stat", Err: err})
			return
		}
		size := info.Size()

		_, err = f.file.Seek(int64(len(f.magic)), io.SeekStart)
		if err != nil {
			f.gate.abandon()
			yield(nil, &StorageError{Op: "seek", Err: err})
			return
		}

		var (
			r      = bufio.NewReader(f.file)
			offset = int64(len(f.magic))
			header [recordHeaderSize]byte
			count  int
		)
		for {
			_, err := io.ReadFull(r, header[:])
			switch {
			case errors.Is(err, io.EOF):
				f.end = offset
				f.gate.finish()
				log.Debugf("Replayed %d change sets", count)

				return

			case errors.Is(err, io.ErrUnexpectedEOF):
				f.truncateTail(offset, size)
				return

			case err != nil:
				f.gate.abandon()
				yield(nil, &StorageError{Op: "read", Err: err})
				return
			}

			length := binary.BigEndian.Uint32(header[:4])
			lengthSum := binary.BigEndian.Uint32(header[4:8])
			sum := binary.BigEndian.Uint32(header[8:])

			if crc32.Checksum(header[:4], crcTable) != lengthSum ||
				length > maxRecordSize {

				f.gate.abandon()
				yield(nil, fmt.Errorf("%w: bad record length in "+
					"header at offset %d", ErrCorrupted,
					offset))

				return
			}

			// With an intact length, a record running past the end
			// of the file can only be a torn write of the last one.
			next := offset + recordHeaderSize + int64(length)
			if next > size {
				f.truncateTail(offset, size)
				return
			}

			payload := make([]byte, length)
			if _, err := io.ReadFull(r, payload); err != nil {
				f.gate.abandon()
				yield(nil, &StorageError{Op: "read", Err: err})
				return
			}

			if crc32.Checksum(payload, crcTable) != sum {
				f.gate.abandon()
				yield(nil, fmt.Errorf("%w: checksum mismatch "+
					"in record at offset %d", ErrCorrupted,
					offset))

				return
			}

			cs := &changeset.ChangeSet{}
			err = cs.Decode(bytes.NewReader(payload))
			if err != nil {
				f.gate.abandon()
				yield(nil, fmt.Errorf("%w: record at offset "+
					"%d: %v", ErrCorrupted, offset, err))

				return
			}

			offset = next
			count++
			if !yield(cs, nil) {
				f.gate.abandon()
				return
			}
		}
	}
}

// truncateTail drops a partially written trailing record and finishes the
// replay.
func (f *FileStore) truncateTail(offset, size int64) {
	log.Warnf("Dropping %d bytes of incomplete trailing record at "+
		"offset %d", size-offset, offset)

	if err := f.file.Truncate(offset); err != nil {
		log.Errorf("Unable to truncate change set log: %v", err)
	}

	f.end = offset
	f.gate.finish()
}

// Append writes the change set and syncs the file. On failure the file is
// truncated back so a later append starts at a record boundary.
//
// NOTE: This is part of the Store interface.
func (f *FileStore) Append(cs *changeset.ChangeSet) error {
	if err := f.gate.lockForAppend(); err != nil {
		return err
	}
	defer f.gate.mu.Unlock()

	var payload bytes.Buffer
	if err := cs.Encode(&payload); err != nil {
		return fmt.Errorf("encode change set: %w", err)
	}
	if payload.Len() > maxRecordSize {
		return fmt.Errorf("change set of %d bytes exceeds record "+
			"limit", payload.Len())
	}

	record := make([]byte, recordHeaderSize, recordHeaderSize+payload.Len())
	binary.BigEndian.PutUint32(record[:4], uint32(payload.Len()))
	binary.BigEndian.PutUint32(
		record[4:8], crc32.Checksum(record[:4], crcTable),
	)
	binary.BigEndian.PutUint32(
		record[8:], crc32.Checksum(payload.Bytes(), crcTable),
	)
	record = append(record, payload.Bytes()...)

	if _, err := f.file.WriteAt(record, f.end); err != nil {
		_ = f.file.Truncate(f.end)
		return &StorageError{Op: "write", Err: err}
	}
	if err := f.file.Sync(); err != nil {
		_ = f.file.Truncate(f.end)
		return &StorageError{Op: "sync", Err: err}
	}

	f.end += int64(len(record))

	return nil
}

// Close closes the file.
//
// NOTE: This is part of the Store interface.
func (f *FileStore) Close() error {
	if !f.gate.close() {
		return nil
	}

	return f.file.Close()
}
