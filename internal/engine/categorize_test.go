package engine

import (
	"testing"

	"github.com/example/medtransport-dispatch/internal/models"
)

func TestCategorizeEmergencyBypassesBuckets(t *testing.T) {
	rides := []models.Ride{
		{ID: "e1", Priority: models.PriorityEmergency, VehicleType: models.VehicleStretcherVan},
		{ID: "r1", Priority: models.PriorityRoutine, VehicleType: models.VehicleSedan},
	}
	b := Categorize(rides)
	if len(b.Emergency) != 1 || b.Emergency[0].ID != "e1" {
		t.Fatalf("expected e1 in emergency bucket, got %+v", b.Emergency)
	}
	if len(b.RoundTrip)+len(b.OneWay) != 1 {
		t.Fatalf("expected exactly one vehicle bucket, got rt=%d ow=%d", len(b.RoundTrip), len(b.OneWay))
	}
}

func TestRequiredVehicleTypeDerivation(t *testing.T) {
	cases := []struct {
		name string
		ride models.Ride
		want models.VehicleType
	}{
		{"explicit wins", models.Ride{VehicleType: models.VehicleAmbulance, Needs: models.PatientNeeds{Stretcher: true}}, models.VehicleAmbulance},
		{"stretcher", models.Ride{Needs: models.PatientNeeds{Stretcher: true}}, models.VehicleStretcherVan},
		{"wheelchair", models.Ride{Needs: models.PatientNeeds{Wheelchair: true}}, models.VehicleWheelchairVan},
		{"oxygen", models.Ride{Needs: models.PatientNeeds{Oxygen: true}}, models.VehicleWheelchairVan},
		{"default", models.Ride{}, models.VehicleSedan},
	}
	for _, tc := range cases {
		if got := RequiredVehicleType(tc.ride); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestShortAppointmentIsRoundTrip(t *testing.T) {
	r := models.Ride{Structure: models.StructureOneWay, AppointmentMins: 10}
	if !IsRoundTrip(r) {
		t.Fatal("10 minute appointment should categorize as round trip")
	}
	r.AppointmentMins = 16
	if IsRoundTrip(r) {
		t.Fatal("16 minute appointment should stay one-way")
	}
	r.AppointmentMins = 0
	if IsRoundTrip(r) {
		t.Fatal("unknown duration should stay one-way")
	}
	r.RoundTrip = true
	if !IsRoundTrip(r) {
		t.Fatal("explicit flag should win")
	}
}

func TestVehicleTypeCompatibility(t *testing.T) {
	sedanOnly := models.Driver{VehicleType: models.VehicleSedan}
	wheelchair := models.Driver{VehicleType: models.VehicleWheelchairVan, WheelchairAccessible: true}
	ambulance := models.Driver{VehicleType: models.VehicleAmbulance, StretcherCapable: true, OxygenEquipped: true}

	if models.VehicleStretcherVan.Compatible(sedanOnly) {
		t.Fatal("sedan driver must not satisfy stretcher_van")
	}
	if !models.VehicleSedan.Compatible(wheelchair) {
		t.Fatal("sedan tag is permissive")
	}
	if models.VehicleAmbulance.Compatible(wheelchair) {
		t.Fatal("ambulance needs stretcher and oxygen")
	}
	if !models.VehicleAmbulance.Compatible(ambulance) {
		t.Fatal("equipped ambulance driver should satisfy ambulance")
	}
	if models.VehicleType("hovercraft").Compatible(ambulance) {
		t.Fatal("unknown tag must never be permissive")
	}
	if _, err := models.ParseVehicleType("hovercraft"); err == nil {
		t.Fatal("unknown tag must fail to parse")
	}
}
