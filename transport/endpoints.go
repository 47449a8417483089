// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import "strings"

// Credentials authenticate requests to an endpoint.
type Credentials struct {
	Username string
	Password string
}

// Endpoint is a named network destination.
type Endpoint struct {
	Name        string
	BaseURI     string
	Credentials *Credentials
}

// EndpointRegistry resolves endpoints by name and by base URI. Endpoints
// are read-only configuration.
type EndpointRegistry struct {
	byName map[string]Endpoint
	byURI  map[string]Endpoint
}

// NewEndpointRegistry indexes the configured endpoints.
func NewEndpointRegistry(endpoints []Endpoint) *EndpointRegistry {
	r := &EndpointRegistry{
		byName: make(map[string]Endpoint, len(endpoints)),
		byURI:  make(map[string]Endpoint, len(endpoints)),
	}
	for _, ep := range endpoints {
		ep.BaseURI = normalizeURI(ep.BaseURI)
		r.byName[ep.Name] = ep
		r.byURI[ep.BaseURI] = ep
	}
	return r
}

// Get resolves an endpoint by its configured name.
func (r *EndpointRegistry) Get(name string) (Endpoint, bool) {
	ep, ok := r.byName[name]
	return ep, ok
}

// ByURI resolves an endpoint by its base URI, for example to attach
// credentials when a destination arrives as a bare URI.
func (r *EndpointRegistry) ByURI(uri string) (Endpoint, bool) {
	ep, ok := r.byURI[normalizeURI(uri)]
	return ep, ok
}

func normalizeURI(uri string) string {
	return strings.TrimRight(uri, "/")
}
