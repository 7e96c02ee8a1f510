// Package polymarket ingests CTF Exchange fills from the Polygon chain via an
// Alchemy WebSocket endpoint. Live fills arrive through a log subscription;
// on startup and after every reconnect the gap since the persisted block
// watermark is replayed with ranged log queries. Every decoded fill is
// persisted idempotently before publication, so replay overlap is harmless.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"pmfeed/internal/backoff"
	"pmfeed/internal/model"
)

const (
	replayChunk  = 2000 // blocks per FilterLogs call
	tsCacheLimit = 4096
	blockOfLimit = 65536
)

// chainClient is the slice of ethclient.Client the ingester uses.
type chainClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Store is the persistence surface the ingester needs.
type Store interface {
	InsertTrade(ctx context.Context, t *model.Trade) (inserted bool, err error)
	LoadCursor(ctx context.Context, exchange model.Exchange, marketID string) (string, error)
	SaveCursor(ctx context.Context, exchange model.Exchange, marketID, cursor string) error
}

// Ingester streams OrderFilled events into the pipeline.
type Ingester struct {
	client  chainClient
	store   Store
	publish func(model.Trade) bool
	log     *slog.Logger

	// Block timestamps, fetched once per block.
	tsCache map[uint64]time.Time

	// dedupeKey -> block number of the first sighting, to notice fills that
	// reappear in a different block after a reorg.
	blockOf map[string]uint64

	OnIngested  func(model.Trade)
	OnDuplicate func()
	OnError     func()
	OnReconnect func()
}

// NewIngester creates an Ingester publishing via publish.
func NewIngester(client chainClient, store Store, publish func(model.Trade) bool, log *slog.Logger) *Ingester {
	return &Ingester{
		client:  client,
		store:   store,
		publish: publish,
		log:     log,
		tsCache: make(map[uint64]time.Time),
		blockOf: make(map[string]uint64),
	}
}

func fillQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{ExchangeAddress},
		Topics:    [][]common.Hash{{OrderFilledTopic}},
	}
}

// Run streams fills until ctx is cancelled, reconnecting with backoff.
func (in *Ingester) Run(ctx context.Context) error {
	bo := backoff.New(time.Second, 30*time.Second)
	for {
		if err := in.stream(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.fail("stream interrupted", err)
			if in.OnReconnect != nil {
				in.OnReconnect()
			}
			if !bo.Sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
	}
}

// stream replays the gap since the watermark, then consumes the live
// subscription until it fails.
func (in *Ingester) stream(ctx context.Context) error {
	if err := in.replay(ctx); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	logs := make(chan types.Log, 256)
	sub, err := in.client.SubscribeFilterLogs(ctx, fillQuery(), logs)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()
	in.log.Info("polymarket subscription established")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("subscription: %w", err)
		case lg := <-logs:
			if lg.Removed {
				// Reorged-out log; the canonical fill arrives again.
				in.log.Warn("fill removed by reorg", "tx", lg.TxHash.Hex(), "block", lg.BlockNumber)
				continue
			}
			if err := in.processLog(ctx, lg); err != nil {
				return err
			}
			if err := in.store.SaveCursor(ctx, model.ExchangePolymarket, "", strconv.FormatUint(lg.BlockNumber, 10)); err != nil {
				return err
			}
		}
	}
}

// replay fetches historical fills from the persisted watermark block
// (inclusive, to re-cover a partially processed block) up to the chain head.
func (in *Ingester) replay(ctx context.Context) error {
	cursor, err := in.store.LoadCursor(ctx, model.ExchangePolymarket, "")
	if err != nil {
		return err
	}
	if cursor == "" {
		return nil // first run: live-only
	}
	from, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return fmt.Errorf("bad block cursor %q: %w", cursor, err)
	}

	head, err := in.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if from > head {
		return nil
	}
	in.log.Info("replaying fills", "from", from, "to", head)

	for start := from; start <= head; start += replayChunk {
		end := start + replayChunk - 1
		if end > head {
			end = head
		}
		q := fillQuery()
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)

		logs, err := in.client.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		for _, lg := range logs {
			if err := in.processLog(ctx, lg); err != nil {
				return err
			}
		}
		if err := in.store.SaveCursor(ctx, model.ExchangePolymarket, "", strconv.FormatUint(end, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingester) processLog(ctx context.Context, lg types.Log) error {
	trade, err := DecodeOrderFilled(lg)
	if err != nil {
		// Malformed or non-fill logs are skipped, not retried.
		in.fail("skipping undecodable log", err, "tx", lg.TxHash.Hex())
		return nil
	}

	ts, err := in.blockTime(ctx, lg.BlockNumber)
	if err != nil {
		return err
	}
	trade.Timestamp = ts

	if prev, ok := in.blockOf[trade.DedupeKey]; ok && prev != lg.BlockNumber {
		in.log.Warn("fill reappeared in a different block, keeping first sighting",
			"tx", trade.TxHash, "firstBlock", prev, "block", lg.BlockNumber)
	}

	inserted, err := in.store.InsertTrade(ctx, &trade)
	if err != nil {
		return err
	}
	in.rememberBlock(trade.DedupeKey, lg.BlockNumber)
	if !inserted {
		if in.OnDuplicate != nil {
			in.OnDuplicate()
		}
		return nil
	}

	in.publish(trade)
	if in.OnIngested != nil {
		in.OnIngested(trade)
	}
	return nil
}

func (in *Ingester) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	if ts, ok := in.tsCache[number]; ok {
		return ts, nil
	}
	header, err := in.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	if len(in.tsCache) >= tsCacheLimit {
		in.tsCache = make(map[uint64]time.Time)
	}
	in.tsCache[number] = ts
	return ts, nil
}

func (in *Ingester) rememberBlock(key string, block uint64) {
	if len(in.blockOf) >= blockOfLimit {
		in.blockOf = make(map[string]uint64)
	}
	in.blockOf[key] = block
}

func (in *Ingester) fail(msg string, err error, args ...any) {
	in.log.Warn(msg, append([]any{"err", err}, args...)...)
	if in.OnError != nil {
		in.OnError()
	}
}
