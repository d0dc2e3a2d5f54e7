package blockstore

import (
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/multiformats/go-base32"
	mh "github.com/multiformats/go-multihash"
)

// Blocks are keyed by multihash only, so a CIDv0 and a CIDv1 of the same
// content share one datastore entry.

// MultihashToDsKey creates a Key from the given Multihash.
func MultihashToDsKey(k mh.Multihash) ds.Key {
	buf := make([]byte, 1+base32.RawStdEncoding.EncodedLen(len(k)))
	buf[0] = '/'
	base32.RawStdEncoding.Encode(buf[1:], k)
	return ds.RawKey(string(buf))
}

// DsKeyToMultihash converts a dsKey to the corresponding Multihash.
func DsKeyToMultihash(dsKey ds.Key) (mh.Multihash, error) {
	kb, err := base32.RawStdEncoding.DecodeString(dsKey.BaseNamespace())
	if err != nil {
		return nil, err
	}
	return mh.Cast(kb)
}

// CidToDsKey creates a Key from the given Cid.
func CidToDsKey(k cid.Cid) ds.Key {
	return MultihashToDsKey(k.Hash())
}
