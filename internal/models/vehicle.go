package models

// VehicleInfo is the snapshot of the vehicle taken when the assistance is opened.
type VehicleInfo struct {
	Plate     string  `bson:"plate" json:"plate"`
	Model     string  `bson:"model" json:"model"`
	Year      int     `bson:"year" json:"year"`
	Odometer  float64 `bson:"odometer" json:"odometer"`     // in kilometers
	HourMeter float64 `bson:"hour_meter" json:"hour_meter"` // engine hours
}

// Driver is the person with the vehicle at the moment of the incident.
type Driver struct {
	Name    string `bson:"name" json:"name"`
	License string `bson:"license" json:"license"`
	Contact string `bson:"contact" json:"contact"`
}
