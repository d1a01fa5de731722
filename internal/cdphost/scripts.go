package cdphost

import "fmt"

// Every script runs in the agent's isolated world. window.__cc holds the
// world's element keys and live recordings; page scripts cannot see it.
const prelude = `
const st = window.__cc || (window.__cc = {seq: 0, keys: new WeakMap(), recs: {}});
const keyOf = (el) => { let k = st.keys.get(el); if (!k) { k = 'e' + (++st.seq); st.keys.set(el, k); } return k; };
const stepOf = (el) => { let i = 0; for (let s = el.previousElementSibling; s; s = s.previousElementSibling) { if (s.localName === el.localName) i++; } return el.localName + ':' + i; };
const pathOf = (el) => { const out = []; for (let n = el; n && n.nodeType === 1; n = n.parentElement) out.unshift(stepOf(n)); return out.join('>'); };
const byKey = (key) => Array.from(document.querySelectorAll('canvas')).find((c) => st.keys.get(c) === key);
`

const scanJS = `(() => {` + prelude + `
const rect = (el) => { const r = el.getBoundingClientRect(); return {x: r.x, y: r.y, width: r.width, height: r.height}; };
return JSON.stringify({
	url: location.href,
	canvases: Array.from(document.querySelectorAll('canvas')).map((el) => ({
		key: keyOf(el), id: el.id || '', width: el.width, height: el.height, path: pathOf(el), rect: rect(el),
	})),
	frames: Array.from(document.querySelectorAll('iframe,frame')).map(keyOf),
});
})()`

// framePathFn is called with this bound to an iframe element.
const framePathFn = `function() {` + prelude + `
return pathOf(this);
}`

func recordStartJS(key, id string, fps, bitsPerSecond int) string {
	return fmt.Sprintf(`(() => {`+prelude+`
const el = byKey(%q);
if (!el || !el.width || !el.height || typeof el.captureStream !== 'function' || typeof MediaRecorder === 'undefined') {
	return JSON.stringify({unsupported: true});
}
let stream;
try { stream = el.captureStream(%d); } catch (e) { return JSON.stringify({unsupported: true, error: String(e)}); }
const mime = ['video/webm;codecs=vp9', 'video/webm;codecs=vp8', 'video/webm'].find((t) => MediaRecorder.isTypeSupported(t)) || '';
let rec;
try { rec = new MediaRecorder(stream, {mimeType: mime, videoBitsPerSecond: %d}); } catch (e) { return JSON.stringify({error: String(e)}); }
const r = {rec: rec, chunks: [], done: false, error: ''};
rec.ondataavailable = (e) => { if (e.data && e.data.size) r.chunks.push({blob: e.data, at: Date.now()}); };
rec.onerror = (e) => { r.error = String((e && e.error) || 'recorder error'); };
rec.onstop = () => { r.done = true; stream.getTracks().forEach((t) => t.stop()); };
st.recs[%q] = r;
rec.start(1000);
return JSON.stringify({ok: true});
})()`, key, fps, bitsPerSecond, id)
}

func recordPollJS(id string) string {
	return fmt.Sprintf(`(async () => {`+prelude+`
const r = st.recs[%q];
if (!r) return JSON.stringify({done: true, error: 'recording lost'});
const taken = r.chunks.splice(0);
const out = [];
for (const c of taken) {
	const buf = new Uint8Array(await c.blob.arrayBuffer());
	let s = '';
	for (let i = 0; i < buf.length; i += 0x8000) s += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
	out.push({data: btoa(s), at: c.at});
}
const done = r.done && r.chunks.length === 0;
if (done) delete st.recs[%q];
return JSON.stringify({chunks: out, done: done, error: r.error});
})()`, id, id)
}

func recordStopJS(id string) string {
	return fmt.Sprintf(`(() => {`+prelude+`
const r = st.recs[%q];
if (r && r.rec.state !== 'inactive') r.rec.stop();
return 'ok';
})()`, id)
}
