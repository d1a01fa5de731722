package api

const relayDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Events &amp; Relay · Canvas Capture</title>
  <style>
    *, *::before, *::after { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
      display: flex;
      flex-direction: column;
      min-height: 100vh;
    }

    a { color: #58a6ff; text-decoration: none; }
    a:hover { text-decoration: underline; }

    /* ── top nav ── */
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
      flex-shrink: 0;
    }
    nav .brand {
      font-weight: 600;
      font-size: 15px;
      color: #e6edf3;
    }
    nav .sep { color: #484f58; }
    nav .current { color: #e6edf3; font-weight: 500; }
    nav .back { font-size: 13px; }

    /* ── layout ── */
    .layout {
      display: flex;
      flex: 1;
      max-width: 1100px;
      width: 100%;
      margin: 0 auto;
      padding: 0 16px;
    }

    /* ── sidebar ── */
    aside {
      width: 220px;
      flex-shrink: 0;
      padding: 32px 16px 32px 0;
      position: sticky;
      top: 0;
      height: calc(100vh - 48px);
      overflow-y: auto;
    }
    aside h4 {
      margin: 0 0 8px;
      font-size: 11px;
      font-weight: 600;
      text-transform: uppercase;
      letter-spacing: .08em;
      color: #8b949e;
    }
    aside ul {
      list-style: none;
      margin: 0 0 24px;
      padding: 0;
    }
    aside ul li a {
      display: block;
      padding: 4px 8px;
      border-radius: 4px;
      font-size: 13px;
      color: #8b949e;
    }
    aside ul li a:hover {
      background: #21262d;
      color: #c9d1d9;
      text-decoration: none;
    }

    /* ── main content ── */
    main {
      flex: 1;
      padding: 32px 0 64px 32px;
      border-left: 1px solid #21262d;
      min-width: 0;
    }

    h1 {
      margin: 0 0 8px;
      font-size: 28px;
      font-weight: 600;
      color: #e6edf3;
    }
    .subtitle {
      color: #8b949e;
      margin: 0 0 36px;
      font-size: 15px;
    }

    h2 {
      margin: 40px 0 12px;
      font-size: 18px;
      font-weight: 600;
      color: #e6edf3;
      padding-bottom: 8px;
      border-bottom: 1px solid #21262d;
    }
    h3 {
      margin: 28px 0 10px;
      font-size: 15px;
      font-weight: 600;
      color: #e6edf3;
    }

    p { margin: 0 0 12px; }

    /* ── method + path badge ── */
    .endpoint {
      display: inline-flex;
      align-items: center;
      gap: 10px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 10px 16px;
      margin-bottom: 20px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 14px;
    }
    .method {
      background: #1f6feb;
      color: #fff;
      font-weight: 700;
      font-size: 11px;
      padding: 2px 7px;
      border-radius: 4px;
      letter-spacing: .04em;
    }
    .path { color: #e6edf3; }

    /* ── tables ── */
    table {
      width: 100%;
      border-collapse: collapse;
      margin-bottom: 20px;
      font-size: 13px;
    }
    th {
      text-align: left;
      padding: 8px 12px;
      background: #161b22;
      color: #8b949e;
      font-weight: 600;
      border-bottom: 1px solid #30363d;
    }
    td {
      padding: 8px 12px;
      border-bottom: 1px solid #21262d;
      vertical-align: top;
    }
    tr:last-child td { border-bottom: none; }
    code {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 12px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 5px;
      color: #e6edf3;
    }

    /* ── code blocks ── */
    pre {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px;
      overflow-x: auto;
      margin: 0 0 20px;
    }
    pre code {
      background: none;
      border: none;
      padding: 0;
      font-size: 13px;
      line-height: 1.6;
      color: #c9d1d9;
    }

    /* ── callout ── */
    .callout {
      background: #161b22;
      border-left: 3px solid #1f6feb;
      border-radius: 0 6px 6px 0;
      padding: 12px 16px;
      margin-bottom: 20px;
      font-size: 13px;
    }
    .callout.warning { border-color: #d29922; }
    .callout strong { color: #e6edf3; }

    /* ── feed cards ── */
    .feed-card {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 8px;
      padding: 16px 20px;
      margin-bottom: 14px;
    }
    .feed-card h3 { margin: 0 0 10px; font-size: 14px; }
    .feed-card code { font-size: 13px; }
    .feed-meta {
      display: flex;
      flex-wrap: wrap;
      gap: 8px;
      margin-bottom: 10px;
      font-size: 12px;
    }
    .feed-meta span { color: #8b949e; }
    .tag {
      background: #21262d;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 6px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 11px;
      color: #8b949e;
    }

    /* ── SSE format visualization ── */
    .sse-block {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px;
      margin-bottom: 20px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 13px;
      line-height: 1.8;
    }
    .sse-key { color: #79c0ff; }
    .sse-value { color: #a5d6ff; }
    .sse-comment { color: #484f58; }
  </style>
</head>
<body>
  <nav>
    <span class="brand">Canvas Capture</span>
    <span class="sep">/</span>
    <span class="current">Events &amp; Relay</span>
    <a class="back" href="/docs">← REST API</a>
  </nav>
  <div class="layout">
    <aside>
      <h4>Events</h4>
      <ul>
        <li><a href="#events">Endpoint</a></li>
        <li><a href="#feeds">Feeds</a></li>
        <li><a href="#sse-format">Event format</a></li>
      </ul>
      <h4>Relay</h4>
      <ul>
        <li><a href="#relay">WebSocket relay</a></li>
        <li><a href="#handshake">Handshake</a></li>
        <li><a href="#targets">Targets</a></li>
      </ul>
    </aside>
    <main>
      <h1>Events &amp; Relay</h1>
      <p class="subtitle">Live capture state over Server-Sent Events, and the message relay remote frame agents connect to.</p>

      <h2 id="events">Event stream</h2>
      <div class="endpoint"><span class="method">GET</span><span class="path">/events</span></div>
      <h3>Query Parameters</h3>
      <table>
        <tr><th>Name</th><th>Description</th></tr>
        <tr><td><code>feeds</code></td><td>Comma separated feed names. Omit for every feed.</td></tr>
        <tr><td><code>tab</code></td><td>Only events of this tab id.</td></tr>
      </table>

      <h2 id="feeds">Feeds</h2>
      <table>
        <tr><th>Feed</th><th>Payload</th></tr>
        <tr><td><code>canvases</code></td><td>The flattened canvas rows of a tab, after every registry change.</td></tr>
        <tr><td><code>session</code></td><td>The capture session: phase, target row, countdown, outcome of the last session.</td></tr>
        <tr><td><code>records</code></td><td>Finished capture records with their handles.</td></tr>
        <tr><td><code>notify</code></td><td>User-visible messages such as failed starts or removed canvases.</td></tr>
        <tr><td><code>highlight</code></td><td>Bounding box of a canvas the user asked to locate.</td></tr>
        <tr><td><code>display</code></td><td>Whether a tab is currently capturing, as reported to the relay.</td></tr>
      </table>

      <h2 id="sse-format">Event format</h2>
      <pre><code>event: session
data: {"tab_id":3,"data":{"phase":"delaying","row":1,"countdown":2}}</code></pre>
      <pre><code>curl -N "http://127.0.0.1:8190/events?feeds=session,records&amp;tab=3"</code></pre>

      <h2 id="relay">WebSocket relay</h2>
      <div class="endpoint"><span class="method">GET</span><span class="path">/relay/ws</span></div>
      <p>Frame agents running outside the daemon connect here. Every frame is one JSON protocol message.</p>

      <h2 id="handshake">Handshake</h2>
      <p>The first frame must be a <code>register</code> message naming the tab and the agent's context id. The connection is refused otherwise.</p>
      <pre><code>{"command":"register","tab_id":3,"source":"0198c1d2-...","target":"top","url":"https://example.test/embed"}</code></pre>
      <p>Closing the socket tells the tab's controller the frame is gone.</p>

      <h2 id="targets">Targets</h2>
      <table>
        <tr><th>Target</th><th>Delivered to</th></tr>
        <tr><td><code>top</code></td><td>The tab's controller.</td></tr>
        <tr><td><code>all</code></td><td>Every agent of the tab except the sender.</td></tr>
        <tr><td><code>background</code></td><td>The relay itself. <code>display</code> toggles the tab's active flag.</td></tr>
        <tr><td>context id</td><td>That one agent. Unknown ids are dropped.</td></tr>
      </table>
    </main>
  </div>
</body>
</html>`
