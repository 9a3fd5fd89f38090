// Package loadcore defines the contracts shared by every subsystem of the
// adaptive load controller: the task under test, the load pattern driving
// it, the feedback signals the controller reacts to, and the events it
// emits. Concrete implementations live in the adaptive, metrics,
// ratecontrol and engine subpackages.
package loadcore
