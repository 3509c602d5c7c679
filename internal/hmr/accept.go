package hmr

import (
	"errors"
	"fmt"
)

// ErrInvalidAccept is returned for an accept call shape that is not supported.
var ErrInvalidAccept = errors.New("invalid hot.accept() usage")

// AcceptIntent is one of SelfAccept, SingleDep or MultiDep.
type AcceptIntent interface {
	reduce(owner string) ([]string, AcceptFunc)
}

// SelfAccept accepts updates of the owning module itself. Fn may be nil.
type SelfAccept struct {
	Fn func(mod Namespace)
}

// SingleDep accepts updates of one dependency. Fn may be nil.
type SingleDep struct {
	Dep string
	Fn  func(mod Namespace)
}

// MultiDep accepts updates of several dependencies; Fn receives one namespace
// per dependency, nil for those that did not change. Fn may be nil.
type MultiDep struct {
	Deps []string
	Fn   AcceptFunc
}

func (a SelfAccept) reduce(owner string) ([]string, AcceptFunc) {
	return []string{owner}, first(a.Fn)
}

func (a SingleDep) reduce(string) ([]string, AcceptFunc) {
	return []string{a.Dep}, first(a.Fn)
}

func (a MultiDep) reduce(string) ([]string, AcceptFunc) {
	return a.Deps, a.Fn
}

func first(fn func(Namespace)) AcceptFunc {
	return func(mods []Namespace) {
		if fn != nil && len(mods) > 0 {
			fn(mods[0])
		}
	}
}

// ParseAccept builds an intent from loosely typed arguments:
//
//	(nil, nil)                        self-accept without callback
//	(func(Namespace), nil)            self-accept
//	(string, func(Namespace) | nil)   single dependency
//	([]string, AcceptFunc | nil)      several dependencies
func ParseAccept(deps any, callback any) (AcceptIntent, error) {
	switch d := deps.(type) {
	case nil:
		if callback != nil {
			return nil, fmt.Errorf("%w: callback without dependencies", ErrInvalidAccept)
		}
		return SelfAccept{}, nil
	case func(Namespace):
		if callback != nil {
			return nil, fmt.Errorf("%w: two callbacks", ErrInvalidAccept)
		}
		return SelfAccept{Fn: d}, nil
	case string:
		switch cb := callback.(type) {
		case nil:
			return SingleDep{Dep: d}, nil
		case func(Namespace):
			return SingleDep{Dep: d, Fn: cb}, nil
		}
	case []string:
		switch cb := callback.(type) {
		case nil:
			return MultiDep{Deps: d}, nil
		case AcceptFunc:
			return MultiDep{Deps: d, Fn: cb}, nil
		case func([]Namespace):
			return MultiDep{Deps: d, Fn: cb}, nil
		}
	default:
		return nil, fmt.Errorf("%w: dependencies of type %T", ErrInvalidAccept, deps)
	}
	return nil, fmt.Errorf("%w: callback of type %T for dependencies %v", ErrInvalidAccept, callback, deps)
}
