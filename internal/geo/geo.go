package geo

import (
    "math"
    "sort"

    "fleetplan/internal/model"
)

// EarthRadiusKM is the mean Earth radius used by the haversine formula.
const EarthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance in kilometers between two
// (lat, lng) pairs. Symmetric, and accurate to within normal GPS error.
func HaversineKM(lat1, lng1, lat2, lng2 float64) float64 {
    phi1 := lat1 * math.Pi / 180
    phi2 := lat2 * math.Pi / 180
    dPhi := (lat2 - lat1) * math.Pi / 180
    dLambda := (lng2 - lng1) * math.Pi / 180

    a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
        math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
    c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
    return EarthRadiusKM * c
}

// MatchRegions keeps every region whose centroid lies within that region's
// own radius of the query point and returns them sorted ascending by
// distance (ties broken by region ID for determinism). An empty result means
// the caller must create a new region.
func MatchRegions(regions []model.Region, lat, lng float64) []model.RegionMatch {
    matches := []model.RegionMatch{}
    for _, r := range regions {
        d := HaversineKM(lat, lng, r.CenterLat, r.CenterLng)
        if d <= r.RadiusKM {
            matches = append(matches, model.RegionMatch{Region: r, DistanceKM: d})
        }
    }
    sort.Slice(matches, func(i, j int) bool {
        if matches[i].DistanceKM != matches[j].DistanceKM {
            return matches[i].DistanceKM < matches[j].DistanceKM
        }
        return matches[i].Region.ID < matches[j].Region.ID
    })
    return matches
}

// Centroid returns the arithmetic mean latitude/longitude of the points.
// This is the full-recompute definition: feeding it every address attached
// to a region, including the newest one, yields the region's new center.
// Order-independent by construction.
func Centroid(points []model.GeoPoint) (lat, lng float64) {
    if len(points) == 0 {
        return 0, 0
    }
    var sumLat, sumLng float64
    for _, p := range points {
        sumLat += p.Lat
        sumLng += p.Lng
    }
    n := float64(len(points))
    return sumLat / n, sumLng / n
}
