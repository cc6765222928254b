package models

// Location is where a broken-down vehicle waits for assistance.
type Location struct {
	Street       string  `bson:"street" json:"street"`
	Neighborhood string  `bson:"neighborhood" json:"neighborhood"`
	City         string  `bson:"city" json:"city"`
	State        string  `bson:"state" json:"state"`
	Lat          float64 `bson:"lat" json:"lat"`
	Lon          float64 `bson:"lon" json:"lon"`
}
