package viewer

import "html/template"

type pageData struct {
	ID       string
	Base     string
	State    RenderState
	Frame    template.HTML
	Failed   bool
	Scale    string
	Download string
}

// pageTemplate is the full-viewport overlay.
var pageTemplate = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.State.Title}}</title>
<style>
body{margin:0;font-family:system-ui,sans-serif}
.overlay{position:fixed;inset:0;background:rgba(0,0,0,.8);display:flex;flex-direction:column;padding:2rem;color:#eee}
.toolbar{display:flex;justify-content:space-between;align-items:center;margin-bottom:1rem}
.toolbar form{display:inline}
.notice{background:#78350f33;border:1px solid #b45309;color:#fcd34d;padding:.5rem 1rem;margin-bottom:1rem}
.error{background:#7f1d1d33;border:1px solid #7f1d1d;color:#fca5a5;padding:.5rem 1rem;margin-bottom:1rem;display:flex;justify-content:space-between}
.spinner{flex:1;display:flex;align-items:center;justify-content:center;flex-direction:column}
.frame{flex:1;position:relative;background:#fff;overflow:hidden}
.frame>div{position:absolute;inset:0;transform-origin:center center;transition:transform .2s ease}
.pdf-frame{width:100%;height:100%;border:0}
</style>
</head>
<body>
<div class="overlay" data-state="{{.State.State}}">
  <div class="toolbar">
    <h2>{{.State.Title}}</h2>
    <div>
      <form method="post" action="{{.Base}}/events"><button name="event" value="zoom-out">-</button></form>
      <span>{{.State.Zoom}}%</span>
      <form method="post" action="{{.Base}}/events"><button name="event" value="zoom-in">+</button></form>
      <form method="post" action="{{.Base}}/events"><button name="event" value="rotate">Rotate</button></form>
      <a href="{{.Base}}/open" target="_blank" rel="noopener noreferrer">Open</a>
      <a href="{{.Download}}">Download</a>
      <form method="post" action="{{.Base}}/close"><button>Close</button></form>
    </div>
  </div>
  {{if .State.Rewritten}}<div class="notice">The GitHub link was converted to a direct download link for proper rendering.</div>{{end}}
  {{if .Failed}}
  <div class="error">
    <span>{{.State.ErrorMessage}}</span>
    <form method="post" action="{{.Base}}/events"><button name="event" value="retry">Try Again</button></form>
  </div>
  {{end}}
  {{if .State.Loading}}
  <div class="spinner" id="spinner"><p>Loading PDF...</p></div>
  {{end}}
  {{if .Frame}}
  <div class="frame">
    <div style="transform: scale({{.Scale}}) rotate({{.State.Rotation}}deg)">{{.Frame}}</div>
  </div>
  {{end}}
</div>
<script>
function viewerEvent(name) {
  var body = new URLSearchParams({event: name});
  fetch({{.Base}} + "/events", {method: "POST", body: body, headers: {"Accept": "application/json"}})
    .then(function (r) { return r.json(); })
    .then(function (s) {
      if (s.state === "displayed") {
        var sp = document.getElementById("spinner");
        if (sp) { sp.remove(); }
      } else if (s.state) {
        window.location.reload();
      }
    });
}
</script>
</body>
</html>`))
