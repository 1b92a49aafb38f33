package integration

import (
	"fmt"
	"time"
)

// TestUser generates unique test user credentials using timestamp
func TestUser(suffix string) (username, password string) {
	ts := time.Now().UnixNano()
	username = fmt.Sprintf("test-%d-%s", ts, suffix)
	password = "TestPassword123!"
	return
}
