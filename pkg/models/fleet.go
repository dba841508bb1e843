package models

// Owner describes the person a vehicle list belongs to
type Owner struct {
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Foto    string `json:"foto"`
}

// FullName returns "name surname"
func (o Owner) FullName() string {
	switch {
	case o.Name == "":
		return o.Surname
	case o.Surname == "":
		return o.Name
	}
	return o.Name + " " + o.Surname
}

// Vehicle is one vehicle of a user
type Vehicle struct {
	VehicleID int    `json:"vehicleid"`
	Make      string `json:"make"`
	Model     string `json:"model"`
	Year      string `json:"year"`
	Color     string `json:"color"`
	VIN       string `json:"vin"`
	Foto      string `json:"foto"`
}

// User is a fleet owner together with their vehicles
type User struct {
	UserID   int       `json:"userid"`
	Owner    Owner     `json:"owner"`
	Vehicles []Vehicle `json:"vehicles"`
}

// Vehicle looks up a vehicle of the user by id
func (u *User) Vehicle(id int) (*Vehicle, bool) {
	for i := range u.Vehicles {
		if u.Vehicles[i].VehicleID == id {
			return &u.Vehicles[i], true
		}
	}
	return nil, false
}

// VehicleLocation is the live position of a vehicle. A nil Lat or Lon means
// the position is currently unknown.
type VehicleLocation struct {
	VehicleID int      `json:"vehicleid"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

// HasPosition reports whether both coordinates are known
func (vl VehicleLocation) HasPosition() bool {
	return vl.Lat != nil && vl.Lon != nil
}

// Position returns the coordinates when both are known
func (vl VehicleLocation) Position() (lat, lon float64, ok bool) {
	if !vl.HasPosition() {
		return 0, 0, false
	}
	return *vl.Lat, *vl.Lon, true
}

// KnownPositions filters out locations whose position is unknown
func KnownPositions(locations []VehicleLocation) []VehicleLocation {
	known := make([]VehicleLocation, 0, len(locations))
	for _, l := range locations {
		if l.HasPosition() {
			known = append(known, l)
		}
	}
	return known
}

// Place is a reverse geocoding result
type Place struct {
	DisplayName string `json:"display_name"`
}
