package chatbot

import "embed"

// TemplateFS holds the HTML templates of the chat history pages, split into layout, pages and
// partials.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS holds the stylesheet and script served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
