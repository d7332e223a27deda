package headerchain

import (
	"cmp"
	"slices"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/spvchain/headers"
)

// orphan is a header whose parent is not attached to the tree.
type orphan struct {
	record *headers.Record

	// seq orders orphans by arrival.
	seq uint64

	// expiration is when the orphan is dropped if still unconnected. The
	// zero time never expires.
	expiration time.Time
}

// addOrphan places the record in the orphan pool, evicting the oldest orphan
// first if the pool is full.
//
// NOTE: The caller must hold the write lock.
func (c *Chain) addOrphan(record *headers.Record) {
	if c.cfg.MaxOrphans > 0 && len(c.orphans) >= c.cfg.MaxOrphans {
		oldest := c.orphansByArrival()[0]
		log.Debugf("Orphan pool full, evicting %v", oldest.record)

		delete(c.orphans, oldest.record.Hash())
		c.orphansEvicted++
	}

	var expiration time.Time
	if c.cfg.OrphanTTL > 0 {
		expiration = c.cfg.Clock.Now().Add(c.cfg.OrphanTTL)
	}

	c.orphanSeq++
	c.orphans[record.Hash()] = &orphan{
		record:     record,
		seq:        c.orphanSeq,
		expiration: expiration,
	}

	log.Debugf("Added orphan header %v with parent %v, %d orphans",
		record, record.PrevHash(), len(c.orphans))
}

// expireOrphans drops every orphan whose expiration has passed.
//
// NOTE: The caller must hold the write lock.
func (c *Chain) expireOrphans() {
	if c.cfg.OrphanTTL <= 0 {
		return
	}

	now := c.cfg.Clock.Now()
	for hash, o := range c.orphans {
		if c.orphanExpired(o, now) {
			log.Debugf("Expiring orphan header %v", hash)

			delete(c.orphans, hash)
			c.orphansEvicted++
		}
	}
}

// orphanExpired reports whether the orphan's expiration has passed at now.
func (c *Chain) orphanExpired(o *orphan, now time.Time) bool {
	return c.cfg.OrphanTTL > 0 && now.After(o.expiration)
}

// connectOrphans attaches every orphan whose parent is in the tree. Passes
// over the pool in arrival order are repeated until one attaches nothing, so
// chains of orphans connect whatever order they arrived in. Each orphan is
// validated again in the context of the branch it attaches to and dropped if
// the gate refuses it there.
//
// NOTE: The caller must hold the write lock.
func (c *Chain) connectOrphans() {
	for {
		var connected int
		for _, o := range c.orphansByArrival() {
			hash := o.record.Hash()
			prevHash := o.record.PrevHash()

			parent, ok := c.nodes[prevHash]
			if !ok {
				continue
			}
			delete(c.orphans, hash)

			err := c.cfg.Gate.CheckHeader(
				c.pathTo(prevHash), o.record, c.cfg.Network,
			)
			if err != nil {
				log.Debugf("Dropping orphan header %v: %v",
					hash, err)
				c.rejected++

				continue
			}

			c.attach(o.record, parent)
			connected++

			log.Debugf("Connected orphan header %v", hash)
		}

		if connected == 0 {
			return
		}
	}
}

// orphansByArrival returns the orphans ordered from oldest to newest.
func (c *Chain) orphansByArrival() []*orphan {
	pool := make([]*orphan, 0, len(c.orphans))
	for _, o := range c.orphans {
		pool = append(pool, o)
	}
	slices.SortFunc(pool, func(a, b *orphan) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return pool
}

// Orphans returns the headers waiting for their parent, oldest first.
// Expired orphans are listed until the next header is accepted.
func (c *Chain) Orphans() []*headers.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := make([]*headers.Record, 0, len(c.orphans))
	for _, o := range c.orphansByArrival() {
		records = append(records, o.record)
	}

	return records
}

// IsOrphan reports whether the hash is waiting in the orphan pool.
func (c *Chain) IsOrphan(hash chainhash.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.orphans[hash]

	return ok
}
