package poller

import (
	"context"

	"github.com/modflux/acquisitiond/internal/errs"
	"github.com/modflux/acquisitiond/internal/model"
)

// Reader is the read-side surface Acquirer needs from a connection. Both
// *connection.Connection and a lazily-resolving wrapper around
// connmgr.Manager satisfy it.
type Reader interface {
	ReadHolding(ctx context.Context, addr, count uint16) ([]uint16, error)
	ReadInput(ctx context.Context, addr, count uint16) ([]uint16, error)
	ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error)
	ReadDiscrete(ctx context.Context, addr, count uint16) ([]bool, error)
}

// Acquirer reads every configured block of one device and merges the
// result into a single RegisterImage (spec §4.6 step 1). A failed block
// means the parameters that depend on it are skipped for this tick, not a
// failed tick outright — but Acquire itself reports the first error so the
// poller can apply its own failure-counting policy; callers that need
// partial-success semantics call AcquireBlocks directly.
type Acquirer struct {
	Conn    Reader
	RegType model.RegisterType
	Blocks  []model.ReadBlock
}

// BlockResult is one block's read outcome.
type BlockResult struct {
	Block model.ReadBlock
	Words []uint16
	Err   error
}

// AcquireBlocks reads every block independently, never aborting early, so
// a parser can still build an image out of the blocks that succeeded.
func (a *Acquirer) AcquireBlocks(ctx context.Context) []BlockResult {
	out := make([]BlockResult, 0, len(a.Blocks))
	for _, b := range a.Blocks {
		words, err := a.readBlock(ctx, b)
		out = append(out, BlockResult{Block: b, Words: words, Err: err})
	}
	return out
}

func (a *Acquirer) readBlock(ctx context.Context, b model.ReadBlock) ([]uint16, error) {
	switch a.RegType {
	case model.Holding:
		return a.Conn.ReadHolding(ctx, b.Start, b.Count)
	case model.Input:
		return a.Conn.ReadInput(ctx, b.Start, b.Count)
	case model.Coil:
		bits, err := a.Conn.ReadCoils(ctx, b.Start, b.Count)
		if err != nil {
			return nil, err
		}
		return bitsToWords(bits), nil
	case model.DiscreteInput:
		bits, err := a.Conn.ReadDiscrete(ctx, b.Start, b.Count)
		if err != nil {
			return nil, err
		}
		return bitsToWords(bits), nil
	default:
		return nil, errs.New(errs.InvalidSpec, "unknown register_type "+string(a.RegType))
	}
}

// bitsToWords stores each coil/discrete bit as a 0/1 word so it can live in
// the same sparse RegisterImage representation as 16-bit registers.
func bitsToWords(bits []bool) []uint16 {
	out := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			out[i] = 1
		}
	}
	return out
}

// Merge folds a tick's block results into a RegisterImage, returning the
// image, the successfully-read blocks in their original (start, words)
// shape, and the set of blocks that failed (for MissingRegisters
// bookkeeping downstream in the parser). Keeping the per-block shape lets
// a mirror update apply each block atomically instead of address-by-
// address, per spec §4.8.
func Merge(results []BlockResult) (model.RegisterImage, []model.AcquiredBlock, []model.ReadBlock) {
	img := model.NewRegisterImage()
	var succeeded []model.AcquiredBlock
	var failed []model.ReadBlock
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Block)
			continue
		}
		img.Merge(r.Block, r.Words)
		succeeded = append(succeeded, model.AcquiredBlock{Start: r.Block.Start, Words: r.Words})
	}
	return img, succeeded, failed
}
