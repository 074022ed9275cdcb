package domain

// Table is the name of a mongo collection
type Table string

const (
	TableAuctions Table = "auctions"
	TableBids     Table = "bids"
)
