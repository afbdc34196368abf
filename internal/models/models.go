package models

import "time"

// RideStatus is the lifecycle state of a ride request.
// Transitions: open -> claimed -> completed, open -> cancelled.
// completed and cancelled are terminal.
type RideStatus string

const (
	StatusOpen      RideStatus = "open"
	StatusClaimed   RideStatus = "claimed"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// PaymentType is what the rider promises in exchange for the ride.
type PaymentType string

const (
	PaymentFree          PaymentType = "free"
	PaymentMealSwipes    PaymentType = "meal-swipes"
	PaymentDiningDollars PaymentType = "dining-dollars"
	PaymentCash          PaymentType = "cash"
)

// ValidPaymentType reports whether t is one of the accepted payment types.
func ValidPaymentType(t PaymentType) bool {
	switch t {
	case PaymentFree, PaymentMealSwipes, PaymentDiningDollars, PaymentCash:
		return true
	}
	return false
}

// Profile is the projection of a user this service reads. The account itself
// (credentials, verification) is owned by the auth layer.
type Profile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	CollegeEmail string `json:"collegeEmail"`
}

// Ride is a single ride request posted to the board.
//
// Rider contact fields are a snapshot taken at creation time. A later profile
// edit must not retroactively alter a posted ride, so they are deliberately
// never re-fetched from the user record.
type Ride struct {
	ID                string      `json:"id"`
	RiderID           string      `json:"riderId"`
	RiderName         string      `json:"riderName"`
	RiderPhone        string      `json:"riderPhone"`
	RiderCollegeEmail string      `json:"riderCollegeEmail"`
	PickupLocation    string      `json:"pickupLocation"`
	DropoffLocation   string      `json:"dropoffLocation"`
	Date              string      `json:"date"`
	Time              string      `json:"time"`
	PaymentType       PaymentType `json:"paymentType"`
	PaymentAmount     float64     `json:"paymentAmount"`
	Status            RideStatus  `json:"status"`
	DriverID          string      `json:"driverId,omitempty"`
	DriverName        string      `json:"driverName,omitempty"`
	Rated             bool        `json:"rated"`
	CreatedAt         time.Time   `json:"createdAt"`
	ClaimedAt         *time.Time  `json:"claimedAt,omitempty"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
}

// Terminal reports whether no further transition can leave the ride's state.
func (r *Ride) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// Transaction is a ledger entry recording a payment promise, written exactly
// once when an open ride with a positive amount is claimed. It snapshots both
// parties and the route so the record stays meaningful even if profiles or
// the ride change later. Nothing in this service mutates or deletes one.
type Transaction struct {
	ID              string      `json:"id"`
	RideID          string      `json:"rideId"`
	RiderID         string      `json:"riderId"`
	RiderName       string      `json:"riderName"`
	DriverID        string      `json:"driverId"`
	DriverName      string      `json:"driverName"`
	PaymentType     PaymentType `json:"paymentType"`
	PaymentAmount   float64     `json:"paymentAmount"`
	PickupLocation  string      `json:"pickupLocation"`
	DropoffLocation string      `json:"dropoffLocation"`
	Date            string      `json:"date"`
	Time            string      `json:"time"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// RideEvent is published to the audit stream on every lifecycle transition.
type RideEvent struct {
	Type          string    `json:"type"`
	RideID        string    `json:"rideId"`
	ActorID       string    `json:"actorId"`
	TransactionID string    `json:"transactionId,omitempty"`
	At            time.Time `json:"at"`
}

const (
	EventRideCreated   = "ride_created"
	EventRideClaimed   = "ride_claimed"
	EventRideCompleted = "ride_completed"
	EventRideRated     = "ride_rated"
	EventRideCancelled = "ride_cancelled"
)
