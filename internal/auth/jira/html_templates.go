package jira

import (
	"html"
	"strings"
)

// callbackPageHTML is shown in the browser after the authorization redirect.
const callbackPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{TITLE}} - specflow</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: #f4f5f7;
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 8px;
            box-shadow: 0 4px 12px rgba(9,30,66,0.15);
            max-width: 440px;
        }
        h1 { color: {{COLOR}}; font-size: 1.4rem; }
        p { color: #42526e; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{TITLE}}</h1>
        <p>{{MESSAGE}}</p>
    </div>
</body>
</html>`

// RenderCallbackPage renders the page shown in the browser after the OAuth redirect.
// On failure message is shown to the user, HTML-escaped.
func RenderCallbackPage(success bool, message string) string {
	title := "Jira authorization complete"
	color := "#00875a"
	text := "You can close this window and return to the terminal."
	if !success {
		title = "Jira authorization failed"
		color = "#de350b"
		text = html.EscapeString(message)
	}
	page := strings.ReplaceAll(callbackPageHTML, "{{TITLE}}", title)
	page = strings.ReplaceAll(page, "{{COLOR}}", color)
	return strings.ReplaceAll(page, "{{MESSAGE}}", text)
}
