package risk

import (
	"encoding/json"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Feature names. Each belongs to exactly one payload group except
// FeatureLocaleMismatch, which compares device and geo.
const (
	FeatureDeviceKnown     = "device.known"
	FeatureDeviceEmulator  = "device.emulator"
	FeatureDeviceContainer = "device.container"
	FeatureDeviceHeadless  = "device.headless"
	FeatureDeviceRooted    = "device.rooted"
	FeatureLocaleMismatch  = "device.locale_mismatch"

	FeatureCredentialRevoked = "behavior.credential_revoked"
	FeatureFailedAuth        = "behavior.failed_auth"
	FeatureClickRate         = "behavior.click_rate"
	FeatureRequestRate       = "behavior.request_rate"
	FeatureIdleRatio         = "behavior.idle_ratio"
	FeatureShortSession      = "behavior.short_session"
	FeatureLongSession       = "behavior.long_session"

	FeatureGeoProxy         = "geo.proxy"
	FeatureGeoVPN           = "geo.vpn"
	FeatureGeoTor           = "geo.tor"
	FeatureMaliciousIP      = "geo.malicious_ip"
	FeatureGeoThreatLevel   = "geo.threat_level"
	FeatureImpossibleTravel = "geo.impossible_travel"

	FeatureFaceMatch      = "biometrics.face_match"
	FeatureFaceRecognized = "biometrics.face_recognized"
	FeatureLivenessFailed = "biometrics.liveness_failed"
	FeatureNoFace         = "biometrics.no_face"
)

// Normalisation constants for rate-like signals.
const (
	failedAuthSaturation  = 10.0
	clickRateSaturation   = 120.0 // clicks per minute
	requestRateSaturation = 300.0 // requests per minute
	shortSessionSeconds   = 60.0
	longSessionSeconds    = 8 * 3600.0
	maxTravelSpeedKMH     = 1000.0
	earthRadiusKM         = 6371.0
	faceDistanceThreshold = 1.0
	minTravelWindowHours  = 1.0 / 60.0
	minTravelDistanceKM   = 100.0
)

// Catalogue lists every feature Extract produces, in a fixed order.
var Catalogue = []string{
	FeatureDeviceKnown,
	FeatureDeviceEmulator,
	FeatureDeviceContainer,
	FeatureDeviceHeadless,
	FeatureDeviceRooted,
	FeatureLocaleMismatch,
	FeatureCredentialRevoked,
	FeatureFailedAuth,
	FeatureClickRate,
	FeatureRequestRate,
	FeatureIdleRatio,
	FeatureShortSession,
	FeatureLongSession,
	FeatureGeoProxy,
	FeatureGeoVPN,
	FeatureGeoTor,
	FeatureMaliciousIP,
	FeatureGeoThreatLevel,
	FeatureImpossibleTravel,
	FeatureFaceMatch,
	FeatureFaceRecognized,
	FeatureLivenessFailed,
	FeatureNoFace,
}

// IsCatalogued reports whether Extract produces the named feature.
func IsCatalogued(name string) bool {
	return slices.Contains(Catalogue, name)
}

// FeatureSet is an immutable mapping of feature name to value. Boolean
// features are stored as 0 or 1.
type FeatureSet struct {
	values map[string]float64
}

// NewFeatureSet copies values into a FeatureSet. Non-finite values are
// stored as 0.
func NewFeatureSet(values map[string]float64) FeatureSet {
	fs := FeatureSet{values: make(map[string]float64, len(values))}
	for k, v := range values {
		fs.values[k] = finiteOrZero(v)
	}
	return fs
}

// Value returns the numeric value of name, or 0 if absent.
func (fs FeatureSet) Value(name string) float64 {
	return fs.values[name]
}

// Bool reports whether name is present and non-zero.
func (fs FeatureSet) Bool(name string) bool {
	return fs.values[name] != 0
}

// Has reports whether name is present.
func (fs FeatureSet) Has(name string) bool {
	_, ok := fs.values[name]
	return ok
}

// Len returns the number of features.
func (fs FeatureSet) Len() int { return len(fs.values) }

// Names returns the feature names in sorted order.
func (fs FeatureSet) Names() []string {
	names := make([]string, 0, len(fs.values))
	for k := range fs.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the underlying values.
func (fs FeatureSet) Map() map[string]float64 {
	out := make(map[string]float64, len(fs.values))
	for k, v := range fs.values {
		out[k] = v
	}
	return out
}

// WithDefaults returns a FeatureSet that also contains every feature
// referenced by w, set to 0 where missing.
func (fs FeatureSet) WithDefaults(w *WeightConfig) FeatureSet {
	if w == nil {
		return fs
	}
	missing := false
	for _, name := range w.names {
		if _, ok := fs.values[name]; !ok {
			missing = true
			break
		}
	}
	if !missing {
		return fs
	}
	out := fs.Map()
	for _, name := range w.names {
		if _, ok := out[name]; !ok {
			out[name] = 0
		}
	}
	return FeatureSet{values: out}
}

// MarshalJSON renders the set as a flat object.
func (fs FeatureSet) MarshalJSON() ([]byte, error) {
	if fs.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(fs.values)
}

// Extract normalises a payload into the feature catalogue. It never fails:
// anything missing or mistyped becomes the neutral value 0.
func Extract(in ScoreInput) FeatureSet {
	v := make(map[string]float64, len(Catalogue))
	for _, name := range Catalogue {
		v[name] = 0
	}

	extractDevice(v, in.Device, in.Geo)
	extractBehavior(v, in.Behavior)
	extractGeo(v, in.Geo)
	extractBiometrics(v, in.Biometrics)

	return FeatureSet{values: v}
}

func extractDevice(v map[string]float64, device, geo map[string]any) {
	v[FeatureDeviceKnown] = b2f(lookupBool(device, "known_device", "is_known"))
	v[FeatureDeviceEmulator] = b2f(lookupBool(device, "is_emulator", "is_virtual_machine", "vm"))
	v[FeatureDeviceContainer] = b2f(lookupBool(device, "is_container"))
	v[FeatureDeviceRooted] = b2f(lookupBool(device, "is_rooted", "jailbroken"))

	headless := lookupBool(device, "headless")
	if hasGUI, ok := lookupBoolOK(device, "has_gui"); ok && !hasGUI {
		headless = true
	}
	v[FeatureDeviceHeadless] = b2f(headless)

	locale := lookupString(device, "locale", "language", "language_location.locale")
	country := lookupString(geo, "country_code")
	if region := localeRegion(locale); region != "" && country != "" {
		v[FeatureLocaleMismatch] = b2f(!strings.EqualFold(region, country))
	}
}

func extractBehavior(v map[string]float64, behavior map[string]any) {
	v[FeatureCredentialRevoked] = b2f(lookupBool(behavior, "credential_revoked", "token_revoked"))

	if n, ok := lookupFloat(behavior, "failed_auth_attempts", "failed_attempts"); ok {
		v[FeatureFailedAuth] = clamp01(n / failedAuthSaturation)
	}
	if n, ok := lookupFloat(behavior, "click_frequency_per_minute", "clicks_per_minute", "click_patterns.click_frequency_per_minute"); ok {
		v[FeatureClickRate] = clamp01(n / clickRateSaturation)
	}
	if n, ok := lookupFloat(behavior, "requests_per_minute", "request_rate.requests_per_minute"); ok {
		v[FeatureRequestRate] = clamp01(n / requestRateSaturation)
	}

	duration, hasDuration := lookupFloat(behavior, "session_duration_seconds")
	if hasDuration && duration >= 0 {
		v[FeatureShortSession] = b2f(duration < shortSessionSeconds)
		v[FeatureLongSession] = b2f(duration > longSessionSeconds)
		if idle, ok := lookupFloat(behavior, "total_idle_time_seconds", "idle_time.total_idle_time_seconds"); ok && duration > 0 {
			v[FeatureIdleRatio] = clamp01(idle / duration)
		}
	}
}

func extractGeo(v map[string]float64, geo map[string]any) {
	v[FeatureGeoProxy] = b2f(lookupBool(geo, "is_proxy", "proxy"))
	v[FeatureGeoVPN] = b2f(lookupBool(geo, "is_vpn", "vpn"))
	v[FeatureGeoTor] = b2f(lookupBool(geo, "is_tor", "tor"))
	v[FeatureMaliciousIP] = b2f(lookupBool(geo, "malicious_ip", "ip_blacklisted", "known_malicious"))
	v[FeatureGeoThreatLevel] = threatLevel(lookup(geo, "threat_level"))

	travel := lookupBool(geo, "impossible_travel")
	if !travel {
		travel = impossibleTravel(geo)
	}
	v[FeatureImpossibleTravel] = b2f(travel)
}

func extractBiometrics(v map[string]float64, bio map[string]any) {
	if s, ok := lookupFloat(bio, "match_score", "similarity"); ok {
		v[FeatureFaceMatch] = clamp01(s)
	} else if d, ok := lookupFloat(bio, "distance", "min_distance"); ok && d >= 0 {
		v[FeatureFaceMatch] = clamp01(1 - d/faceDistanceThreshold)
	}
	v[FeatureFaceRecognized] = b2f(lookupBool(bio, "recognized", "face_recognized"))

	liveFailed := lookupBool(bio, "spoof_detected")
	if live, ok := lookupBoolOK(bio, "liveness"); ok && !live {
		liveFailed = true
	}
	v[FeatureLivenessFailed] = b2f(liveFailed)

	if n, ok := lookupFloat(bio, "faces_detected"); ok {
		v[FeatureNoFace] = b2f(n == 0)
	}
}

// threatLevel maps a categorical or numeric threat level onto [0, 1].
func threatLevel(raw any) float64 {
	if s, ok := raw.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "medium":
			return 0.5
		case "high":
			return 0.8
		case "critical":
			return 1.0
		}
	}
	if n, ok := toFloat(raw); ok {
		return clamp01(n)
	}
	return 0
}

// impossibleTravel reports whether moving between the previous and current
// coordinates in the given window exceeds maxTravelSpeedKMH.
func impossibleTravel(geo map[string]any) bool {
	lat, ok1 := lookupFloat(geo, "latitude", "lat")
	lon, ok2 := lookupFloat(geo, "longitude", "lon")
	plat, ok3 := lookupFloat(geo, "previous_latitude", "previous.latitude")
	plon, ok4 := lookupFloat(geo, "previous_longitude", "previous.longitude")
	hours, ok5 := lookupFloat(geo, "hours_since_previous", "previous.hours_ago")
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || hours < 0 {
		return false
	}
	if !validCoord(lat, lon) || !validCoord(plat, plon) {
		return false
	}

	dist := haversineKM(lat, lon, plat, plon)
	if dist < minTravelDistanceKM {
		return false
	}
	return dist/math.Max(hours, minTravelWindowHours) > maxTravelSpeedKMH
}

func validCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// localeRegion extracts the region from "pt_BR", "en-US" or "pt_BR.UTF-8".
func localeRegion(locale string) string {
	if i := strings.IndexByte(locale, '.'); i >= 0 {
		locale = locale[:i]
	}
	parts := strings.FieldsFunc(locale, func(r rune) bool { return r == '_' || r == '-' })
	if len(parts) < 2 || len(parts[1]) != 2 {
		return ""
	}
	return strings.ToUpper(parts[1])
}

// --- payload coercion ---

// lookup resolves the first present key among paths. Paths may be dotted
// to reach into nested objects.
func lookup(m map[string]any, paths ...string) any {
	for _, p := range paths {
		if v, ok := lookupPath(m, p); ok && v != nil {
			return v
		}
	}
	return nil
}

func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(child, rest)
}

func lookupFloat(m map[string]any, paths ...string) (float64, bool) {
	for _, p := range paths {
		if v, ok := lookupPath(m, p); ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func lookupBool(m map[string]any, paths ...string) bool {
	b, _ := lookupBoolOK(m, paths...)
	return b
}

func lookupBoolOK(m map[string]any, paths ...string) (bool, bool) {
	for _, p := range paths {
		if v, ok := lookupPath(m, p); ok {
			if b, ok := toBool(v); ok {
				return b, true
			}
		}
	}
	return false, false
}

func lookupString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		if v, ok := lookupPath(m, p); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// toFloat coerces JSON-compatible numbers and numeric strings. Booleans
// and non-finite values are rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1", "y", "on":
			return true, true
		case "false", "no", "0", "n", "off", "":
			return false, true
		}
		return false, false
	}
	if f, ok := toFloat(v); ok {
		return f != 0, true
	}
	return false, false
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(f float64) float64 {
	return clamp(f, 0, 1)
}

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
