package repository

import (
	"sort"

	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/bid"
)

// page returns the bounds of the requested window of n results. A zero
// limit means no limit.
func page(n int, offset, limit *int32) (int, int) {
	start, end := 0, n
	if offset != nil {
		start = int(*offset)
	}
	if start > n {
		start = n
	}
	if limit != nil && *limit > 0 && start+int(*limit) < end {
		end = start + int(*limit)
	}
	return start, end
}

func compareAuctions(a, b *auction.Auction, field string) int {
	switch field {
	case "startTime":
		return compareTime(a.StartTime.UnixNano(), b.StartTime.UnixNano())
	case "endTime":
		return compareTime(a.EndTime.UnixNano(), b.EndTime.UnixNano())
	case "currentPrice":
		return a.CurrentPrice.Cmp(b.CurrentPrice)
	case "totalBids":
		return compareTime(a.TotalBids, b.TotalBids)
	default:
		return compareTime(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	}
}

func compareBids(a, b *bid.Bid, field string) int {
	switch field {
	case "amount":
		return a.Amount.Cmp(b.Amount)
	case "placedAt":
		return compareTime(a.PlacedAt.UnixNano(), b.PlacedAt.UnixNano())
	default:
		return compareTime(a.Sequence, b.Sequence)
	}
}

func compareTime(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// sortAuctions orders like the mongo store: by the requested field, then id
func sortAuctions(list []*auction.Auction, sortBy *string, sortDir *domain.SortDir) {
	field, dir := "createdAt", domain.SortDirAsc
	if sortBy != nil && sortDir != nil {
		field, dir = *sortBy, *sortDir
	}
	sort.SliceStable(list, func(i, j int) bool {
		if c := compareAuctions(list[i], list[j], field); c != 0 {
			return c*int(dir) < 0
		}
		return list[i].Id < list[j].Id
	})
}

// sortBids orders by the requested field, then sequence
func sortBids(list []*bid.Bid, sortBy *string, sortDir *domain.SortDir) {
	field, dir := "sequence", domain.SortDirAsc
	if sortBy != nil && sortDir != nil {
		field, dir = *sortBy, *sortDir
	}
	sort.SliceStable(list, func(i, j int) bool {
		if c := compareBids(list[i], list[j], field); c != 0 {
			return c*int(dir) < 0
		}
		return list[i].Sequence < list[j].Sequence
	})
}
