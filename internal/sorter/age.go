package sorter

// Age brackets used as the last directory level of the output tree.
const (
	BracketChild  = "child"
	BracketYoung  = "young"
	BracketMidAge = "mid_age"
	BracketOld    = "old"
)

// AgeBracket maps an age in years to its bracket. Every age falls into
// exactly one bracket; fractional ages follow the same upper bounds, so
// 17.5 is young.
func AgeBracket(age float64) string {
	switch {
	case age <= 17:
		return BracketChild
	case age <= 35:
		return BracketYoung
	case age <= 55:
		return BracketMidAge
	default:
		return BracketOld
	}
}
