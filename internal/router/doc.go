// Package router namespaces backend items and dispatches calls.
//
// Tools and prompts are exposed as <backend>__<name>; resource URIs as
// <backend>://<original-uri>. The route functions parse the namespaced key,
// obtain the healthy adapter from the registry (lazy-starting stopped
// backends), and forward the original, unprefixed key with the arguments
// verbatim.
package router
