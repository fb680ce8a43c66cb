// Two-tier paged KV block allocator: reference-counted blocks, prefix-hash
// sharing, copy-on-write on append, LRU free-list eviction, and swap between
// the primary (fast) and overflow (slow) tiers.

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// BlockTier identifies which pool a block belongs to.
type BlockTier int

const (
	TierPrimary BlockTier = iota
	TierOverflow
)

// Block is one fixed-capacity unit of KV storage. Sequences never hold a
// *Block; they reference blocks by id through their block table, and all
// reference counts are mutated solely by the allocator.
type Block struct {
	ID       int
	RefCount int    // number of distinct sequences referencing this block
	Hash     string // prefix hash once full (primary tier only); "" otherwise
	Tokens   []int  // tokens resident in this block

	prevFree *Block // LRU free list links
	nextFree *Block
}

// blockArena is one tier's slice of the block id space plus its LRU free
// list. Freed blocks keep their content until reused, so the free list
// doubles as the eviction-candidate order (head = coldest).
type blockArena struct {
	blocks   []*Block
	freeHead *Block
	freeTail *Block
	used     int
}

func newBlockArena(firstID, count int) *blockArena {
	a := &blockArena{blocks: make([]*Block, count)}
	for i := 0; i < count; i++ {
		blk := &Block{ID: firstID + i}
		a.blocks[i] = blk
		a.appendToFreeList(blk)
	}
	return a
}

func (a *blockArena) free() int { return len(a.blocks) - a.used }

// appendToFreeList inserts a block at the tail of the LRU free list.
func (a *blockArena) appendToFreeList(blk *Block) {
	blk.nextFree = nil
	if a.freeTail != nil {
		a.freeTail.nextFree = blk
		blk.prevFree = a.freeTail
		a.freeTail = blk
	} else {
		a.freeHead = blk
		a.freeTail = blk
		blk.prevFree = nil
	}
}

// removeFromFreeList detaches a block from the LRU free list.
func (a *blockArena) removeFromFreeList(blk *Block) {
	if blk.prevFree != nil {
		blk.prevFree.nextFree = blk.nextFree
	} else {
		a.freeHead = blk.nextFree
	}
	if blk.nextFree != nil {
		blk.nextFree.prevFree = blk.prevFree
	} else {
		a.freeTail = blk.prevFree
	}
	blk.nextFree = nil
	blk.prevFree = nil
}

// BlockAllocator owns the arena of blocks for both tiers. Primary block ids
// occupy [0, PrimaryBlocks); overflow ids occupy [PrimaryBlocks,
// PrimaryBlocks+OverflowBlocks), so a block table entry identifies its tier.
//
// Allocation never blocks: when capacity is insufficient the allocator
// returns ErrCapacityExhausted and leaves its state untouched. Freeing
// capacity via preemption is the scheduler's job.
type BlockAllocator struct {
	blockSize   int
	primary     *blockArena
	overflow    *blockArena
	hashToBlock map[string]int // full-block prefix hash -> primary block id
}

// NewBlockAllocator builds the two-tier pool described by cfg.
func NewBlockAllocator(cfg PoolConfig) *BlockAllocator {
	return &BlockAllocator{
		blockSize:   cfg.BlockSizeTokens,
		primary:     newBlockArena(0, cfg.PrimaryBlocks),
		overflow:    newBlockArena(cfg.PrimaryBlocks, cfg.OverflowBlocks),
		hashToBlock: make(map[string]int),
	}
}

// BlockSize returns tokens per block.
func (a *BlockAllocator) BlockSize() int { return a.blockSize }

// BlocksNeeded returns the block count covering numTokens tokens.
func (a *BlockAllocator) BlocksNeeded(numTokens int) int {
	return (numTokens + a.blockSize - 1) / a.blockSize
}

// TotalPrimary returns the primary tier capacity in blocks.
func (a *BlockAllocator) TotalPrimary() int { return len(a.primary.blocks) }

// UsedPrimary returns the number of primary blocks with a nonzero refcount.
func (a *BlockAllocator) UsedPrimary() int { return a.primary.used }

// FreePrimary returns the number of allocatable primary blocks.
func (a *BlockAllocator) FreePrimary() int { return a.primary.free() }

// UsedOverflow returns the number of overflow blocks with a nonzero refcount.
func (a *BlockAllocator) UsedOverflow() int { return a.overflow.used }

// FreeOverflow returns the number of allocatable overflow blocks.
func (a *BlockAllocator) FreeOverflow() int { return a.overflow.free() }

func (a *BlockAllocator) block(id int) *Block {
	if id < len(a.primary.blocks) {
		return a.primary.blocks[id]
	}
	return a.overflow.blocks[id-len(a.primary.blocks)]
}

func (a *BlockAllocator) arenaOf(id int) *blockArena {
	if id < len(a.primary.blocks) {
		return a.primary
	}
	return a.overflow
}

// hashTokens returns a SHA256 hash over the joined token prefix. The hash
// covers the whole prefix, not just the block, so equal hashes imply equal
// lineage.
func hashTokens(tokens []int) string {
	h := sha256.New()
	var sb strings.Builder
	for i, tok := range tokens {
		if i > 0 {
			sb.WriteString("|")
		}
		sb.WriteString(strconv.Itoa(tok))
	}
	h.Write([]byte(sb.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// popFree takes the coldest free block from the arena and strips any cached
// content it still carried.
func (a *BlockAllocator) popFree(arena *blockArena) *Block {
	head := arena.freeHead
	if head == nil {
		return nil
	}
	arena.removeFromFreeList(head)
	if head.Hash != "" {
		// the cache entry may have been re-registered to a newer block
		if id, ok := a.hashToBlock[head.Hash]; ok && id == head.ID {
			delete(a.hashToBlock, head.Hash)
		}
		head.Hash = ""
	}
	head.Tokens = nil
	head.RefCount = 0
	arena.used++
	return head
}

// releaseRef decrements a block's refcount, returning it to its arena's free
// list at zero. Cached content (hash) is kept until the block is reused.
func (a *BlockAllocator) releaseRef(id int) {
	blk := a.block(id)
	if blk.RefCount <= 0 {
		panic(fmt.Sprintf("block %d released with refcount %d", id, blk.RefCount))
	}
	blk.RefCount--
	if blk.RefCount == 0 {
		arena := a.arenaOf(id)
		arena.used--
		arena.appendToFreeList(blk)
	}
}

// cachedPrefix returns primary block ids whose hashes match successive full
// blocks of tokens. Pure lookup, no state change.
func (a *BlockAllocator) cachedPrefix(tokens []int) []int {
	var ids []int
	n := len(tokens) / a.blockSize
	for i := 0; i < n; i++ {
		h := hashTokens(tokens[:(i+1)*a.blockSize])
		id, ok := a.hashToBlock[h]
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// materialized returns the number of tokens currently resident in the
// sequence's block table.
func (a *BlockAllocator) materialized(seq *Sequence) int {
	n := len(seq.BlockTable)
	if n == 0 {
		return 0
	}
	last := a.block(seq.BlockTable[n-1])
	return (n-1)*a.blockSize + len(last.Tokens)
}

// Allocate extends seq's block table to cover its first numTokens tokens,
// filling blocks from the sequence's token history. Prefill chunks and
// generated tokens go through the same path: a sampled token lives only in
// the history until the next step's Allocate materializes it, so there is no
// separate append operation that could fail mid-step. A shared partial tail
// is privatized copy-on-write before it is written.
//
// On the first call for a sequence it reuses cached full-prefix blocks by
// bumping their reference counts; the returned count is the number of
// prompt tokens satisfied from cache (KV state already resident, no compute
// needed). The last cached block is always dropped from reuse so that at
// least one prompt token is computed and produces logits.
//
// Returns ErrCapacityExhausted without mutating anything when the primary
// tier cannot hold the requested extension.
func (a *BlockAllocator) Allocate(seq *Sequence, numTokens int) (cachedTokens int, err error) {
	if numTokens > seq.NumTokens() {
		panic(fmt.Sprintf("Allocate(%s, %d) beyond token history %d", seq.ID, numTokens, seq.NumTokens()))
	}

	var cached []int
	if len(seq.BlockTable) == 0 {
		cached = a.cachedPrefix(seq.Tokens[:seq.NumPromptTokens])
		if len(cached)*a.blockSize >= seq.NumPromptTokens {
			cached = cached[:len(cached)-1]
		}
	}
	cachedTokens = len(cached) * a.blockSize

	resident := a.materialized(seq) + cachedTokens
	if numTokens <= resident && len(cached) == 0 {
		return 0, nil
	}

	// Capacity pre-check: fresh blocks plus up to one copy-on-write
	// replacement of a shared partial tail.
	fresh := a.BlocksNeeded(numTokens) - len(seq.BlockTable) - len(cached)
	if fresh < 0 {
		fresh = 0
	}
	needCoW := 0
	if n := len(seq.BlockTable); n > 0 && numTokens > a.materialized(seq) {
		tail := a.block(seq.BlockTable[n-1])
		if len(tail.Tokens) < a.blockSize && tail.RefCount > 1 {
			needCoW = 1
		}
	}
	resurrect := 0
	for _, id := range cached {
		if a.block(id).RefCount == 0 {
			resurrect++
		}
	}
	if fresh+needCoW+resurrect > a.primary.free() {
		return 0, ErrCapacityExhausted
	}

	// Commit: take cache hits first.
	for _, id := range cached {
		blk := a.block(id)
		if blk.RefCount == 0 {
			a.primary.removeFromFreeList(blk)
			a.primary.used++
		}
		blk.RefCount++
		seq.BlockTable = append(seq.BlockTable, id)
	}

	cur := a.materialized(seq)
	// Top up a partial tail block, privatizing it first if shared.
	if n := len(seq.BlockTable); n > 0 && cur < numTokens {
		tail := a.block(seq.BlockTable[n-1])
		if len(tail.Tokens) < a.blockSize {
			if tail.RefCount > 1 {
				priv := a.popFree(a.primary)
				priv.RefCount = 1
				priv.Tokens = append([]int{}, tail.Tokens...)
				tail.RefCount--
				seq.BlockTable[n-1] = priv.ID
				tail = priv
			}
			fill := min(a.blockSize-len(tail.Tokens), numTokens-cur)
			tail.Tokens = append(tail.Tokens, seq.Tokens[cur:cur+fill]...)
			cur += fill
			if len(tail.Tokens) == a.blockSize {
				a.registerHash(tail, seq.Tokens[:cur])
			}
		}
	}

	// Fresh blocks for the remainder.
	for cur < numTokens {
		blk := a.popFree(a.primary)
		if blk == nil {
			panic("free list drained despite capacity pre-check")
		}
		blk.RefCount = 1
		take := min(a.blockSize, numTokens-cur)
		blk.Tokens = append([]int{}, seq.Tokens[cur:cur+take]...)
		cur += take
		if take == a.blockSize {
			a.registerHash(blk, seq.Tokens[:cur])
		}
		seq.BlockTable = append(seq.BlockTable, blk.ID)
	}
	return cachedTokens, nil
}

func (a *BlockAllocator) registerHash(blk *Block, prefix []int) {
	h := hashTokens(prefix)
	blk.Hash = h
	a.hashToBlock[h] = blk.ID
}

// Fork points child at parent's blocks without copying any data: every block
// in parent's table gains a reference. Writes by either side later privatize
// the touched block via copy-on-write.
func (a *BlockAllocator) Fork(parent, child *Sequence) {
	if len(child.BlockTable) != 0 {
		panic(fmt.Sprintf("Fork into %s which already holds blocks", child.ID))
	}
	child.BlockTable = make([]int, len(parent.BlockTable))
	copy(child.BlockTable, parent.BlockTable)
	for _, id := range child.BlockTable {
		a.block(id).RefCount++
	}
}

// Free releases every block seq references and clears its table. Blocks are
// returned in reverse table order so that deep, less-reusable suffix blocks
// are first in line for eviction.
func (a *BlockAllocator) Free(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		a.releaseRef(seq.BlockTable[i])
	}
	seq.BlockTable = nil
}

// CanSwapOut reports whether the overflow tier can absorb seq's blocks.
func (a *BlockAllocator) CanSwapOut(seq *Sequence) bool {
	return len(seq.BlockTable) > 0 && a.overflow.free() >= len(seq.BlockTable)
}

// SwapOut copies seq's KV state into the overflow tier and releases its
// primary blocks. Shared primary blocks stay resident for their other
// holders; this sequence gets private overflow copies. seq's block table
// refers to overflow ids afterwards.
func (a *BlockAllocator) SwapOut(seq *Sequence) error {
	if a.overflow.free() < len(seq.BlockTable) {
		return ErrCapacityExhausted
	}
	moved := make([]int, 0, len(seq.BlockTable))
	for _, id := range seq.BlockTable {
		src := a.block(id)
		dst := a.popFree(a.overflow)
		dst.RefCount = 1
		dst.Tokens = append([]int{}, src.Tokens...)
		moved = append(moved, dst.ID)
	}
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		a.releaseRef(seq.BlockTable[i])
	}
	seq.BlockTable = moved
	return nil
}

// CanSwapIn reports whether the primary tier can take seq's blocks back.
func (a *BlockAllocator) CanSwapIn(seq *Sequence) bool {
	return a.primary.free() >= len(seq.BlockTable)
}

// SwapIn restores a swapped-out sequence's KV state into primary blocks and
// frees the overflow copies. Full blocks re-enter the prefix cache.
func (a *BlockAllocator) SwapIn(seq *Sequence) error {
	if a.primary.free() < len(seq.BlockTable) {
		return ErrCapacityExhausted
	}
	restored := make([]int, 0, len(seq.BlockTable))
	prefixLen := 0
	for _, id := range seq.BlockTable {
		src := a.block(id)
		dst := a.popFree(a.primary)
		dst.RefCount = 1
		dst.Tokens = append([]int{}, src.Tokens...)
		prefixLen += len(dst.Tokens)
		if len(dst.Tokens) == a.blockSize {
			a.registerHash(dst, seq.Tokens[:prefixLen])
		}
		restored = append(restored, dst.ID)
	}
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		a.releaseRef(seq.BlockTable[i])
	}
	seq.BlockTable = restored
	return nil
}

// EvictCandidates returns primary blocks whose cached content may be
// discarded, coldest first. Only unreferenced blocks qualify: a shared block
// is never evictable.
func (a *BlockAllocator) EvictCandidates() []int {
	var ids []int
	for blk := a.primary.freeHead; blk != nil; blk = blk.nextFree {
		if blk.Hash != "" {
			ids = append(ids, blk.ID)
		}
	}
	return ids
}

// VerifyRefCounts cross-checks every block's refcount against the block
// tables of the given sequences. A mismatch means allocator bookkeeping and
// sequence state diverged, which is a programming error: the engine halts
// rather than attempting recovery.
func (a *BlockAllocator) VerifyRefCounts(seqs []*Sequence) {
	refs := make(map[int]int)
	for _, seq := range seqs {
		if seq.Status.Terminal() && len(seq.BlockTable) > 0 {
			panic(fmt.Sprintf("terminal sequence %s still holds %d blocks", seq.ID, len(seq.BlockTable)))
		}
		for _, id := range seq.BlockTable {
			refs[id]++
		}
	}
	for _, arena := range []*blockArena{a.primary, a.overflow} {
		for _, blk := range arena.blocks {
			if blk.RefCount != refs[blk.ID] {
				panic(fmt.Sprintf("block %d refcount %d but %d sequences reference it",
					blk.ID, blk.RefCount, refs[blk.ID]))
			}
		}
	}
}
