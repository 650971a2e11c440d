// Package region maps rescue requests to demand regions, by polygon
// containment when the request has coordinates and by normalized location
// name otherwise.
package region

import (
	"strings"
	"unicode"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/reliefops/relief-engine/internal/model"
)

// FallbackRegion is assigned when neither geometry nor name resolves.
const FallbackRegion = "unassigned"

// Region is one named demand area with its boundary rings. A region may
// carry several rings when its source shape had multiple parts.
type Region struct {
	Name  string
	rings [][]float64
}

// NewRegion builds a Region from one boundary ring given as (lon, lat)
// pairs. The ring need not be explicitly closed.
func NewRegion(name string, ring []geom.Coord) Region {
	flat := make([]float64, 0, len(ring)*2)
	for _, c := range ring {
		flat = append(flat, c[0], c[1])
	}
	return Region{Name: name, rings: [][]float64{flat}}
}

// Contains reports whether the point (lon, lat) falls inside any of the
// region's rings.
func (r *Region) Contains(lon, lat float64) bool {
	p := geom.Coord{lon, lat}
	for _, ring := range r.rings {
		if xy.IsPointInRing(geom.XY, p, ring) {
			return true
		}
	}
	return false
}

// Resolver assigns requests to regions.
type Resolver struct {
	regions []Region
	byName  map[string]string
	log     *zap.Logger
}

// NewResolver builds a Resolver over the given regions. Name matching is
// case- and accent-insensitive.
func NewResolver(regions []Region) *Resolver {
	byName := make(map[string]string, len(regions))
	for _, r := range regions {
		byName[NormalizeLocation(r.Name)] = r.Name
	}
	return &Resolver{
		regions: regions,
		byName:  byName,
		log:     zap.L().Named("region"),
	}
}

// Region resolves one request. Geometry wins over the free-text location;
// an unresolvable request lands in the fallback region rather than
// failing.
func (rv *Resolver) Region(req *model.RescueRequest) string {
	if req.HasCoordinates() {
		for i := range rv.regions {
			if rv.regions[i].Contains(*req.Longitude, *req.Latitude) {
				return rv.regions[i].Name
			}
		}
	}
	if name, ok := rv.byName[NormalizeLocation(req.Location)]; ok {
		return name
	}
	return FallbackRegion
}

// NormalizeLocation lowercases, trims, folds diacritics, and collapses
// interior whitespace so operator-typed location names compare stably.
func NormalizeLocation(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// LoadShapefile reads region boundaries from a shapefile, taking the
// region name from the named attribute field. Non-polygon shapes are
// skipped.
func LoadShapefile(path, nameField string) ([]Region, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "region: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	nameIdx := -1
	for i, f := range reader.Fields() {
		if strings.EqualFold(strings.TrimRight(f.String(), "\x00"), nameField) {
			nameIdx = i
			break
		}
	}
	if nameIdx < 0 {
		return nil, eris.Errorf("region: field %q not found in %s", nameField, path)
	}

	var regions []Region
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok || poly.NumParts == 0 || len(poly.Points) == 0 {
			skipped++
			continue
		}

		name := strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00"))
		if name == "" {
			skipped++
			continue
		}

		regions = append(regions, Region{Name: name, rings: polygonRings(poly)})
	}
	if skipped > 0 {
		zap.L().Debug("region: skipped shapefile records",
			zap.String("path", path), zap.Int("skipped", skipped))
	}
	return regions, nil
}

// polygonRings flattens each shapefile part into one (x, y) ring.
func polygonRings(p *shp.Polygon) [][]float64 {
	rings := make([][]float64, 0, p.NumParts)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		ring := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			ring = append(ring, p.Points[j].X, p.Points[j].Y)
		}
		rings = append(rings, ring)
	}
	return rings
}
