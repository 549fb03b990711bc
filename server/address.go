package server

import (
	"fmt"
	"regexp"
	"strings"
)

const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartPattern = regexp.MustCompile(LocalPartRegex)
	domainPattern    = regexp.MustCompile(DomainNameRegex)
)

// Address is a validated local-part@domain pair, normalized to lower case.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
}

// NewAddress parses and validates an address of the form local-part@domain.
func NewAddress(address string) (Address, error) {
	input := strings.ToLower(strings.TrimSpace(address))

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	at := strings.Index(input, "@")
	if at < 0 {
		return Address{}, fmt.Errorf("address '%s' has no domain", input)
	}
	if strings.Count(input, "@") > 1 {
		return Address{}, fmt.Errorf("address '%s' has multiple @ signs", input)
	}

	localPart := input[:at]
	domain := input[at+1:]

	if !localPartPattern.MatchString(localPart) {
		return Address{}, fmt.Errorf("invalid local part: '%s'", localPart)
	}
	if !domainPattern.MatchString(domain) {
		return Address{}, fmt.Errorf("invalid domain: '%s'", domain)
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

// IsLocal reports whether the address belongs to the given local domain.
func (a Address) IsLocal(localDomain string) bool {
	return a.domain == strings.ToLower(localDomain)
}
