// Package identifier defines the member, subsystem, service and security
// server identifiers exchanged between security servers.
//
// Identifiers have a canonical slash-separated text form:
//
//	client:          INSTANCE/CLASS/CODE[/SUBSYSTEM]
//	service:         INSTANCE/CLASS/CODE/SUBSYSTEM/SERVICE[/VERSION]
//	security server: INSTANCE/CLASS/CODE/SERVERCODE
package identifier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentifier is returned when an identifier cannot be parsed.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// ClientID identifies a member or one of its subsystems.
type ClientID struct {
	Instance    string
	MemberClass string
	MemberCode  string
	Subsystem   string
}

// ParseClientID parses INSTANCE/CLASS/CODE[/SUBSYSTEM].
func ParseClientID(s string) (ClientID, error) {
	parts, err := split(s, 3, 4)
	if err != nil {
		return ClientID{}, err
	}
	id := ClientID{Instance: parts[0], MemberClass: parts[1], MemberCode: parts[2]}
	if len(parts) == 4 {
		id.Subsystem = parts[3]
	}
	return id, nil
}

// Member returns the member part of the identifier.
func (c ClientID) Member() ClientID {
	return ClientID{Instance: c.Instance, MemberClass: c.MemberClass, MemberCode: c.MemberCode}
}

// IsSubsystem reports whether the identifier names a subsystem.
func (c ClientID) IsSubsystem() bool { return c.Subsystem != "" }

// IsZero reports whether the identifier is empty.
func (c ClientID) IsZero() bool { return c == ClientID{} }

func (c ClientID) String() string {
	s := c.Instance + "/" + c.MemberClass + "/" + c.MemberCode
	if c.Subsystem != "" {
		s += "/" + c.Subsystem
	}
	return s
}

// ServiceID identifies a service offered by a subsystem.
type ServiceID struct {
	Client      ClientID
	ServiceCode string
	Version     string
}

// ParseServiceID parses INSTANCE/CLASS/CODE/SUBSYSTEM/SERVICE[/VERSION].
func ParseServiceID(s string) (ServiceID, error) {
	parts, err := split(s, 5, 6)
	if err != nil {
		return ServiceID{}, err
	}
	id := ServiceID{
		Client: ClientID{
			Instance:    parts[0],
			MemberClass: parts[1],
			MemberCode:  parts[2],
			Subsystem:   parts[3],
		},
		ServiceCode: parts[4],
	}
	if len(parts) == 6 {
		id.Version = parts[5]
	}
	return id, nil
}

func (s ServiceID) String() string {
	str := s.Client.String() + "/" + s.ServiceCode
	if s.Version != "" {
		str += "/" + s.Version
	}
	return str
}

// SecurityServerID identifies a security server by owner member and code.
type SecurityServerID struct {
	Owner      ClientID
	ServerCode string
}

// ParseSecurityServerID parses INSTANCE/CLASS/CODE/SERVERCODE.
func ParseSecurityServerID(s string) (SecurityServerID, error) {
	parts, err := split(s, 4, 4)
	if err != nil {
		return SecurityServerID{}, err
	}
	return SecurityServerID{
		Owner:      ClientID{Instance: parts[0], MemberClass: parts[1], MemberCode: parts[2]},
		ServerCode: parts[3],
	}, nil
}

func (s SecurityServerID) String() string {
	return s.Owner.String() + "/" + s.ServerCode
}

func split(s string, minParts, maxParts int) ([]string, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < minParts || len(parts) > maxParts {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty component in %q", ErrInvalidIdentifier, s)
		}
	}
	return parts, nil
}
