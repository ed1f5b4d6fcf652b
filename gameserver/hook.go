package gameserver

import (
	"time"

	"roomnet"
)

// EngineHook is the entity framework the server runs inside. Instantiate and
// AddNetworkView return the engine's handle for the new view, available
// afterwards through NetworkView.Handle.
type EngineHook interface {
	OnUpdate(now time.Time)
	Instantiate(resourcePath string, view *NetworkView, position roomnet.Vector3, rotation roomnet.Quaternion) interface{}
	AddNetworkView(existing *NetworkView, view *NetworkView, customFunction string) interface{}
}

// NopHook is an EngineHook for headless servers.
type NopHook struct{}

func (NopHook) OnUpdate(time.Time) {}

func (NopHook) Instantiate(string, *NetworkView, roomnet.Vector3, roomnet.Quaternion) interface{} {
	return nil
}

func (NopHook) AddNetworkView(*NetworkView, *NetworkView, string) interface{} {
	return nil
}
