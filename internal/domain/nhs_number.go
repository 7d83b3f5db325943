package domain

// ValidNHSNumber checks the 10-digit format and the mod-11 check digit.
func ValidNHSNumber(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		sum += int(c-'0') * (10 - i)
	}
	last := s[9]
	if last < '0' || last > '9' {
		return false
	}
	check := 11 - sum%11
	switch check {
	case 11:
		check = 0
	case 10:
		// 10 is never a valid check digit
		return false
	}
	return int(last-'0') == check
}
