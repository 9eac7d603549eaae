package index

import (
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/solidb-io/solidb/internal/codec"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/types"
)

// geoCellDegrees is the grid cell size a document's point is bucketed
// into. It plays the role an R-tree's leaf-node bounding boxes would:
// a near() query only needs to visit the handful of cells covering its
// search radius instead of every entry in the index (spec §4.6 "Geo
// index"). One degree is a coarse approximation (~111km at the equator,
// narrowing toward the poles) — adequate for the query-pattern this
// index serves, not a substitute for a true R-tree's variable-size
// bounding boxes.
const geoCellDegrees = 1.0

const earthRadiusMeters = 6371000.0

func geoCell(lon, lat float64) (cellX, cellY int64) {
	return int64(math.Floor(lon / geoCellDegrees)), int64(math.Floor(lat / geoCellDegrees))
}

// geoPoint extracts the [longitude, latitude] pair a document stores in
// its indexed field, accepting either a two-element array or a GeoJSON
// Point object (`{"type":"Point","coordinates":[lon,lat]}`).
func geoPoint(def types.IndexDef, doc types.Document) (orb.Point, bool) {
	if len(def.Fields) == 0 {
		return orb.Point{}, false
	}
	v := doc[def.Fields[0]]
	if coords, ok := v.([]any); ok {
		return coordsToPoint(coords)
	}
	if obj, ok := v.(map[string]any); ok {
		if coords, ok := obj["coordinates"].([]any); ok {
			return coordsToPoint(coords)
		}
	}
	return orb.Point{}, false
}

func coordsToPoint(coords []any) (orb.Point, bool) {
	if len(coords) != 2 {
		return orb.Point{}, false
	}
	lon, ok1 := asFloat(coords[0])
	lat, ok2 := asFloat(coords[1])
	if !ok1 || !ok2 {
		return orb.Point{}, false
	}
	return orb.Point{lon, lat}, true
}

func asFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case int64:
		return float64(vv), true
	default:
		return 0, false
	}
}

// haversineMeters is the great-circle distance between two points, in
// meters (spec §4.6: "sorted ascending by great-circle distance
// (haversine)").
func haversineMeters(a, b orb.Point) float64 {
	lat1, lon1 := a[1]*math.Pi/180, a[0]*math.Pi/180
	lat2, lon2 := b[1]*math.Pi/180, b[0]*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

func geoEntryKey(def types.IndexDef, docKey string, cellX, cellY int64) []byte {
	tuple := codec.EncodeOrderedTuple([]any{cellX, cellY})
	return codec.IndexEntryKey(def.CollectionID, def.ID, tuple, docKey)
}

func mutateGeo(batch kv.Batch, def types.IndexDef, docKey string, old, cur types.Document) error {
	if old != nil {
		if p, ok := geoPoint(def, old); ok {
			x, y := geoCell(p[0], p[1])
			batch.Delete(indexCF, geoEntryKey(def, docKey, x, y))
		}
	}
	if cur != nil {
		if p, ok := geoPoint(def, cur); ok {
			x, y := geoCell(p[0], p[1])
			batch.Put(indexCF, geoEntryKey(def, docKey, x, y), encodePoint(p))
		}
	}
	return nil
}

func encodePoint(p orb.Point) []byte {
	buf := make([]byte, 16)
	lon := math.Float64bits(p[0])
	lat := math.Float64bits(p[1])
	for i := 0; i < 8; i++ {
		buf[i] = byte(lon >> (56 - 8*i))
		buf[8+i] = byte(lat >> (56 - 8*i))
	}
	return buf
}

func decodePoint(b []byte) (orb.Point, bool) {
	if len(b) != 16 {
		return orb.Point{}, false
	}
	var lonBits, latBits uint64
	for i := 0; i < 8; i++ {
		lonBits = lonBits<<8 | uint64(b[i])
		latBits = latBits<<8 | uint64(b[8+i])
	}
	return orb.Point{math.Float64frombits(lonBits), math.Float64frombits(latBits)}, true
}

func geoCellsInBound(minX, minY, maxX, maxY int64) [][2]int64 {
	var cells [][2]int64
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			cells = append(cells, [2]int64{x, y})
		}
	}
	return cells
}

// Near returns document keys within radiusMeters of (lat, lon), sorted
// ascending by great-circle distance and capped at limit (0 = unbounded)
// (spec §4.6 "Geo index"). It visits the block of grid cells around the
// query point's cell that is wide enough to hold every point within
// radiusMeters; the longitude span is widened by 1/cos(latitude), since
// a degree of longitude narrows toward the poles. Cells are not wrapped
// across the ±180° meridian.
func Near(backend kv.Backend, def types.IndexDef, lat, lon, radiusMeters float64, limit int) ([]ScoredKey, error) {
	origin := orb.Point{lon, lat}
	cellX, cellY := geoCell(lon, lat)
	ring := int64(math.Ceil(radiusMeters/(geoCellDegrees*111000.0))) + 1
	ringX := int64(180.0 / geoCellDegrees)
	if c := math.Cos(lat * math.Pi / 180); c > 0.01 {
		ringX = int64(math.Ceil(radiusMeters/(geoCellDegrees*111000.0*c))) + 1
	}

	visited := make(map[[2]int64]bool)
	type candidate struct {
		key  string
		dist float64
	}
	var candidates []candidate

	for _, c := range geoCellsInBound(cellX-ringX, cellY-ring, cellX+ringX, cellY+ring) {
		if visited[c] {
			continue
		}
		visited[c] = true
		entries, err := scanGeoCellPoints(backend, def, c[0], c[1])
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			d := haversineMeters(origin, e.point)
			if d <= radiusMeters {
				candidates = append(candidates, candidate{key: e.key, dist: d})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]ScoredKey, len(candidates))
	for i, c := range candidates {
		out[i] = ScoredKey{Key: c.key, Score: c.dist}
	}
	return out, nil
}

type geoEntry struct {
	key   string
	point orb.Point
}

func scanGeoCellPoints(backend kv.Backend, def types.IndexDef, cellX, cellY int64) ([]geoEntry, error) {
	tuple := codec.EncodeOrderedTuple([]any{cellX, cellY})
	prefix := codec.IndexTuplePrefix(def.CollectionID, def.ID, tuple)
	it, err := backend.Scan(indexCF, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, engerr.Wrap("index.scanGeoCellPoints", err)
	}
	defer it.Close()

	var out []geoEntry
	for it.Next() {
		_, docKey, ok := codec.SplitIndexEntryKey(def.CollectionID, def.ID, it.Key())
		if !ok {
			continue
		}
		p, ok := decodePoint(it.Value())
		if !ok {
			continue
		}
		out = append(out, geoEntry{key: docKey, point: p})
	}
	return out, nil
}

// pointInRing reports whether p lies inside the polygon ring using the
// standard even-odd ray-casting test.
func pointInRing(p orb.Point, ring orb.Ring) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi[1] > p[1]) != (pj[1] > p[1]) {
			xIntersect := (pj[0]-pi[0])*(p[1]-pi[1])/(pj[1]-pi[1]) + pi[0]
			if p[0] < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}

func polygonContains(poly orb.Polygon, p orb.Point) bool {
	if len(poly) == 0 {
		return false
	}
	if !pointInRing(p, poly[0]) {
		return false
	}
	for _, hole := range poly[1:] {
		if pointInRing(p, hole) {
			return false
		}
	}
	return true
}

func polygonBound(poly orb.Polygon) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, ring := range poly {
		for _, p := range ring {
			minX, maxX = math.Min(minX, p[0]), math.Max(maxX, p[0])
			minY, maxY = math.Min(minY, p[1]), math.Max(maxY, p[1])
		}
	}
	return
}

// Within returns document keys whose indexed point falls inside poly
// (spec §4.6 "Geo index"). Since this index stores point geometries,
// "within" and "intersects" coincide — both ask whether the document's
// point lies inside poly — so Intersects delegates to Within.
func Within(backend kv.Backend, def types.IndexDef, poly orb.Polygon) ([]string, error) {
	minX, minY, maxX, maxY := polygonBound(poly)
	minCellX, minCellY := geoCell(minX, minY)
	maxCellX, maxCellY := geoCell(maxX, maxY)

	var keys []string
	for _, c := range geoCellsInBound(minCellX, minCellY, maxCellX, maxCellY) {
		entries, err := scanGeoCellPoints(backend, def, c[0], c[1])
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if polygonContains(poly, e.point) {
				keys = append(keys, e.key)
			}
		}
	}
	return keys, nil
}

// Intersects reports, for this point-geometry index, whether each
// candidate document's point lies inside poly — identical to Within
// (see its doc comment).
func Intersects(backend kv.Backend, def types.IndexDef, poly orb.Polygon) ([]string, error) {
	return Within(backend, def, poly)
}
