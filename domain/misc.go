package domain

type SortDir int8

const (
	SortDirAsc  SortDir = 1
	SortDirDesc SortDir = -1
)

// StoreBackend selects where auctions and bids are persisted
type StoreBackend string

const (
	StoreBackendMongo  StoreBackend = "mongo"
	StoreBackendPebble StoreBackend = "pebble"
	StoreBackendMemory StoreBackend = "memory"
)
