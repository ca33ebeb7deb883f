package config

import (
	"bytes"
	"encoding/json"

	"golang.org/x/xerrors"
)

type (
	// EndpointGroup is set as a JSON document, usually through an env var or .secrets.yml.
	EndpointGroup struct {
		Endpoints              []Endpoint     `json:"endpoints"`
		EndpointsFailover      []Endpoint     `json:"endpoints_failover"`
		UseFailover            bool           `json:"use_failover"`
		EndpointConfig         EndpointConfig `json:"endpoint_config"`
		EndpointConfigFailover EndpointConfig `json:"endpoint_config_failover"`
	}

	Endpoint struct {
		Name     string `json:"name"`
		Url      string `json:"url"`
		User     string `json:"user"`
		Password string `json:"password"`
		Weight   uint8  `json:"weight"`
		RPS      int    `json:"rps"`
	}

	EndpointConfig struct {
		Headers map[string]string `json:"headers"`
	}

	// AuthConfig lists the API clients allowed to call the admin routes.
	AuthConfig struct {
		Clients    []AuthClient `json:"clients"`
		DefaultRPS int          `json:"default_rps"`
	}

	AuthClient struct {
		ClientID string `json:"client_id"`
		Token    string `json:"token"`
		RPS      int    `json:"rps"`
	}
)

// placeholderPassword marks endpoints committed to yml that must be overridden at deploy time.
const placeholderPassword = "<placeholder>"

// Empty reports whether the group has no usable endpoint, including
// groups still carrying the committed placeholder password.
func (e *EndpointGroup) Empty() bool {
	for _, endpoint := range e.Endpoints {
		if endpoint.Password == placeholderPassword {
			return true
		}
	}
	return len(e.Endpoints) == 0
}

func (e *EndpointGroup) UnmarshalText(text []byte) error {
	// plain has no methods, so json does not call back into UnmarshalText.
	type plain EndpointGroup
	var group plain
	if ok, err := decodeJSON(text, &group, "EndpointGroup"); !ok || err != nil {
		return err
	}
	if err := (*EndpointGroup)(&group).check(); err != nil {
		return err
	}
	*e = EndpointGroup(group)
	return nil
}

func (e *EndpointGroup) check() error {
	if len(e.Endpoints) == 0 {
		return xerrors.New("endpoints is empty")
	}
	if e.UseFailover && len(e.EndpointsFailover) == 0 {
		return xerrors.New("failover endpoints is empty")
	}

	for _, group := range [][]Endpoint{e.Endpoints, e.EndpointsFailover} {
		for _, endpoint := range group {
			switch {
			case endpoint.Name == "":
				return xerrors.New("empty endpoint.Name")
			case endpoint.Url == "":
				return xerrors.Errorf("empty endpoint.URL (name=%v)", endpoint.Name)
			}
		}
	}
	return nil
}

func (c *AuthConfig) UnmarshalText(text []byte) error {
	type plain AuthConfig
	var auth plain
	if ok, err := decodeJSON(text, &auth, "AuthConfig"); !ok || err != nil {
		return err
	}
	if err := (*AuthConfig)(&auth).check(); err != nil {
		return err
	}
	*c = AuthConfig(auth)
	return nil
}

func (c *AuthConfig) check() error {
	for _, client := range c.Clients {
		if client.ClientID == "" {
			return xerrors.New("empty client_id")
		}
		if client.Token == "" {
			return xerrors.Errorf("empty token (client_id=%v)", client.ClientID)
		}
	}
	return nil
}

// decodeJSON parses a JSON-valued setting into out. Blank text is skipped and reported as false.
func decodeJSON(text []byte, out any, kind string) (bool, error) {
	if len(bytes.TrimSpace(text)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(text, out); err != nil {
		return false, xerrors.Errorf("failed to parse %v JSON: %w", kind, err)
	}
	return true, nil
}

// AsMap indexes the clients by bearer token.
func (c *AuthConfig) AsMap() map[string]*AuthClient {
	res := make(map[string]*AuthClient, len(c.Clients))
	for i := range c.Clients {
		res[c.Clients[i].Token] = &c.Clients[i]
	}
	return res
}
