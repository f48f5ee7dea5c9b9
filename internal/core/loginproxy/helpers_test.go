package loginproxy

import "time"

var testTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
