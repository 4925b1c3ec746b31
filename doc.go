// Package strata provides a server-side HTML composition engine built on top
// of the html/template package.
//
// strata is organized around Apps, Components, Pages, Layouts, and Fragments.
// An App is served under a context path, like /shop, and is made up of
// Components. A Component owns Pages, which are served for the request paths
// matching their URIPatterns, Layouts, which wrap the output of Pages, and
// Fragments, which any template can include by name. Names can be qualified
// with the name of the Component that owns them, like
// "org.example.theme.header"; unqualified names resolve within the Component
// of the template using them.
//
// Every template is a Renderable: an html/template plus an optional
// Executable that runs before the template and adds values to its model.
// Templates are parsed and inspected when the App is built, so a Page naming
// a Layout that doesn't exist fails at deploy time, not when it's requested.
//
// Pages hand content to their Layouts through zones. A Page fills a zone
// with a define block whose name starts with "zone:", or with the fillZone
// helper, and the Layout places it with defineZone:
//
//	{{ layout "main" }}
//	{{ define "zone:content" }}<p>Hello</p>{{ end }}
//
//	<main>{{ defineZone "content" }}</main>
//
// A zone nobody filled renders the Fragments bound to it in the Component's
// configuration, or nothing.
//
// CSS and JavaScript references are collected while rendering, wherever they
// appear, and written out at the placeholders a Layout marks:
//
//	<head>{{ placeholder "css" }}</head>
//
// Relative resource paths resolve against the public URI of the Component
// whose template references them, so a Fragment from a theme Component
// links to the theme's files even when a Page from another Component
// includes it.
//
// To render a request, find its App, usually through a Registry, and pass it
// to Serve. Serve reports what happened as an Outcome, which the httpserver
// package writes to an http.ResponseWriter.
package strata
