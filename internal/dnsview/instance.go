package dnsview

import (
	"fmt"
	"strconv"
	"strings"
)

// parseInstanceName parses an instance-specific DNS label.
//
// Supports formats:
//   - nginx-1 -> serviceName="nginx", instance=1
//   - web-api-3 -> serviceName="web-api", instance=3
func parseInstanceName(name string) (serviceName string, instanceNum int, err error) {
	lastHyphen := strings.LastIndex(name, "-")
	if lastHyphen == -1 {
		return "", 0, fmt.Errorf("not an instance name (no hyphen): %s", name)
	}

	potentialService := name[:lastHyphen]
	potentialNumber := name[lastHyphen+1:]

	num, err := strconv.Atoi(potentialNumber)
	if err != nil {
		return "", 0, fmt.Errorf("not an instance name (invalid number): %s", name)
	}
	if num < 1 {
		return "", 0, fmt.Errorf("instance number must be >= 1: %s", name)
	}

	return potentialService, num, nil
}

// makeInstanceName creates an instance-specific DNS label.
// Example: makeInstanceName("nginx", 1) -> "nginx-1"
func makeInstanceName(serviceName string, instanceNum int) string {
	return fmt.Sprintf("%s-%d", serviceName, instanceNum)
}
