package client

import (
	"time"

	"roomnet"
)

// EngineHook creates the local entities for views the server announces.
// Handlers subscribed from inside Instantiate or AddNetworkView see the
// buffered calls replayed for the view.
type EngineHook interface {
	OnUpdate(now time.Time)
	Instantiate(resourcePath string, view *View, position roomnet.Vector3, rotation roomnet.Quaternion) interface{}
	AddNetworkView(existing *View, view *View, customFunction string) interface{}
}

type NopHook struct{}

func (NopHook) OnUpdate(time.Time) {}

func (NopHook) Instantiate(string, *View, roomnet.Vector3, roomnet.Quaternion) interface{} {
	return nil
}

func (NopHook) AddNetworkView(*View, *View, string) interface{} {
	return nil
}

// HookFuncs adapts plain functions to EngineHook. Nil members do nothing.
type HookFuncs struct {
	Update        func(now time.Time)
	InstantiateFn func(resourcePath string, view *View, position roomnet.Vector3, rotation roomnet.Quaternion) interface{}
	AddViewFn     func(existing *View, view *View, customFunction string) interface{}
}

func (h HookFuncs) OnUpdate(now time.Time) {
	if h.Update != nil {
		h.Update(now)
	}
}

func (h HookFuncs) Instantiate(resourcePath string, view *View, position roomnet.Vector3, rotation roomnet.Quaternion) interface{} {
	if h.InstantiateFn != nil {
		return h.InstantiateFn(resourcePath, view, position, rotation)
	}
	return nil
}

func (h HookFuncs) AddNetworkView(existing *View, view *View, customFunction string) interface{} {
	if h.AddViewFn != nil {
		return h.AddViewFn(existing, view, customFunction)
	}
	return nil
}
