package service

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// maxRemoteFanout bounds concurrent per-address remote calls
const maxRemoteFanout = 4

// walletAddresses groups a wallet's address records by class
type walletAddresses struct {
	onchain  []*models.AddressRecord
	offchain []*models.AddressRecord
	boarding []*models.AddressRecord

	byAddress map[string]*models.AddressRecord
}

func loadWalletAddresses(ctx context.Context, repo AddressRepository, walletID string) (*walletAddresses, error) {
	recs, err := repo.List(ctx, walletID, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list addresses", err)
	}

	wa := &walletAddresses{byAddress: make(map[string]*models.AddressRecord, len(recs))}
	for _, rec := range recs {
		wa.byAddress[rec.Address] = rec
		switch rec.Class {
		case types.AddressOnchain:
			wa.onchain = append(wa.onchain, rec)
		case types.AddressOffchain:
			wa.offchain = append(wa.offchain, rec)
		case types.AddressBoarding:
			wa.boarding = append(wa.boarding, rec)
		}
	}
	return wa, nil
}

// classOf returns the class of a wallet address, or "" for foreign ones
func (wa *walletAddresses) classOf(address string) types.AddressClass {
	if rec, ok := wa.byAddress[address]; ok {
		return rec.Class
	}
	return ""
}

// outputCollector fetches a wallet's outputs from both remotes
type outputCollector struct {
	indexer     adapter.OnchainIndexer
	coordinator adapter.SettlementCoordinator
}

// utxos returns the UTXOs of the given on-chain or boarding addresses,
// tagged with the address class
func (c *outputCollector) utxos(ctx context.Context, recs []*models.AddressRecord) ([]models.Output, error) {
	return fanOut(ctx, recs, func(ctx context.Context, rec *models.AddressRecord) ([]models.Output, error) {
		outs, err := c.indexer.GetUtxos(ctx, rec.Address)
		if err != nil {
			return nil, indexerError("get_utxos", err)
		}
		for i := range outs {
			outs[i].Address = rec.Address
			outs[i].Class = rec.Class
		}
		return outs, nil
	})
}

// vtxos returns the virtual outputs paying the given off-chain addresses
func (c *outputCollector) vtxos(ctx context.Context, recs []*models.AddressRecord) ([]models.Output, error) {
	return fanOut(ctx, recs, func(ctx context.Context, rec *models.AddressRecord) ([]models.Output, error) {
		outs, err := c.coordinator.GetOffchainOutputs(ctx, rec.Address)
		if err != nil {
			return nil, coordinatorError("get_vtxos", err)
		}
		for i := range outs {
			outs[i].Address = rec.Address
			outs[i].Class = types.AddressOffchain
		}
		return outs, nil
	})
}

// fanOut calls fetch for every record with bounded concurrency and merges
// the results, dropping duplicate outpoints. The result is ordered by
// outpoint so callers see a stable view.
func fanOut(ctx context.Context, recs []*models.AddressRecord, fetch func(context.Context, *models.AddressRecord) ([]models.Output, error)) ([]models.Output, error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		all  []models.Output
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRemoteFanout)
	for _, rec := range recs {
		g.Go(func() error {
			outs, err := fetch(gctx, rec)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, o := range outs {
				op := o.Outpoint()
				if _, dup := seen[op]; dup {
					continue
				}
				seen[op] = struct{}{}
				all = append(all, o)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].TxID != all[j].TxID {
			return all[i].TxID < all[j].TxID
		}
		return all[i].Vout < all[j].Vout
	})
	return all, nil
}
