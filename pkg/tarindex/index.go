package tarindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v3"
	log "github.com/sirupsen/logrus"
)

var (
	archiveKey   = []byte("archive")
	memberPrefix = []byte("member/")
)

// ErrNoArchive is returned for databases that were never generated.
var ErrNoArchive = errors.New("index does not reference an archive")

// Open opens the index database in dir.
func Open(dir string, readOnly bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(log.StandardLogger()).
		WithReadOnly(readOnly)
	return badger.Open(opts)
}

// Generate scans the tar stream in and records archive together with the
// offset of every regular member.
func Generate(db *badger.DB, archive string, in io.Reader) error {
	members, err := Scan(in)
	if err != nil {
		return fmt.Errorf("cannot scan %s: %w", archive, err)
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Set(archiveKey, []byte(archive)); err != nil {
		return err
	}
	for i, m := range members {
		val, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := wb.Set(memberKey(i), val); err != nil {
			return err
		}
		log.WithField("name", m.Name).WithField("offset", m.Offset).Debug("added member to index")
	}
	return wb.Flush()
}

// memberKey keeps keys, and thus iteration, in archive order.
func memberKey(i int) []byte {
	return append(append([]byte{}, memberPrefix...), []byte(fmt.Sprintf("%016x", i))...)
}

// Load returns the archive path and members stored in db.
func Load(db *badger.DB) (archive string, members []Member, err error) {
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(archiveKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoArchive
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		archive = string(val)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = memberPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m Member
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			members = append(members, m)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return archive, members, nil
}
